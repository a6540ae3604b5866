/*
Copyright 2024 FaST-GShare Authors, KontonGu (Jianfeng Gu), et. al.
@Techinical University of Munich, CAPS Cloud Team

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"flag"

	"github.com/KontonGu/faas-job-worker/pkg/config"
	"github.com/KontonGu/faas-job-worker/pkg/controller"
	"github.com/KontonGu/faas-job-worker/pkg/k8s"
	"github.com/KontonGu/faas-job-worker/pkg/metrics"
	"github.com/KontonGu/faas-job-worker/pkg/server"
	"github.com/KontonGu/faas-job-worker/pkg/subscriber"
	"github.com/KontonGu/faas-job-worker/pkg/version"
	"github.com/KontonGu/faas-job-worker/pkg/worker"
	providertypes "github.com/openfaas/faas-provider/types"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	klog "k8s.io/klog/v2"
	"k8s.io/sample-controller/pkg/signals"
)

func main() {
	var kubeconfig string
	var masterURL string
	var verbose bool

	klog.InitFlags(nil)
	flag.StringVar(&kubeconfig, "kubeconfig", "",
		"Path to a kubeconfig. Only required if out-of-cluster.")
	flag.BoolVar(&verbose, "verbose", false, "Print the resolved configuration")
	flag.StringVar(&masterURL, "master", "",
		"The address of the Kubernetes API server. Overrides any value in kubeconfig. Only required if out-of-cluster.")

	flag.Parse()
	defer klog.Flush()

	sha, release := version.GetReleaseInfo()
	klog.Infof("faas-job-worker version: %s, commit: %s", release, sha)

	readConfig := config.ReadConfig{}
	osEnv := providertypes.OsEnv{}
	cfg, err := readConfig.Read(osEnv)
	if err != nil {
		klog.ErrorS(err, "Error reading config")
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}
	cfg.Fprint(verbose)

	var clientCmdConfig *rest.Config
	if len(kubeconfig) > 0 || len(masterURL) > 0 {
		clientCmdConfig, err = clientcmd.BuildConfigFromFlags(masterURL, kubeconfig)
		if err != nil {
			klog.ErrorS(err, "Error building kubeconfig")
			klog.FlushAndExit(klog.ExitFlushTimeout, 1)
		}
	}

	kubeClient, err := k8s.NewClient(k8s.ClientConfig{
		Host:      cfg.KubeHost,
		Port:      cfg.KubePort,
		Token:     cfg.KubeToken,
		CAPath:    cfg.KubeCAFile,
		StrictTLS: cfg.KubeStrictTLS,
		Timeout:   cfg.KubeRequestTimeout,
		Base:      clientCmdConfig,
	})
	if err != nil {
		klog.ErrorS(err, "Error building Kubernetes client")
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}

	m := metrics.New()

	synthesizer := controller.NewSynthesizer(controller.JobPolicy{
		Namespace:               cfg.JobNamespace,
		TTLSecondsAfterFinished: int32(cfg.JobTTLSecondsAfterFinished),
		BackoffLimit:            int32(cfg.JobBackoffLimit),
	}, kubeClient)

	ctr := controller.NewController(
		k8s.NewDeploymentIntrospector(kubeClient, cfg.FunctionNamespace),
		k8s.NewJobSubmitter(kubeClient),
		synthesizer,
		cfg.EventDedupeWindow,
		m,
	)

	sub := subscriber.NewNatsSubscriber(subscriber.Options{
		URL:            cfg.NATSURL(),
		ClusterID:      cfg.NATSClusterID,
		ClientID:       cfg.NATSClientID,
		Subject:        cfg.NATSSubject,
		QueueGroup:     cfg.NATSQueueGroup,
		DurableName:    cfg.NATSDurableName,
		AckWait:        cfg.NATSAckWait,
		MaxInflight:    cfg.NATSMaxInflight,
		ConnectRetries: cfg.NATSConnectRetries,
		RetryInterval:  cfg.NATSRetryInterval,
	}, ctr.HandleMessage)

	ctx := signals.SetupSignalHandler()

	if cfg.MetricsPort > 0 {
		srv := server.New(cfg.MetricsPort, m)
		go func() {
			if err := srv.Run(ctx); err != nil {
				klog.Errorf("HTTP server stopped: %v", err)
			}
		}()
	}

	klog.Info("Starting worker")
	if err := worker.New(sub).Run(ctx); err != nil {
		klog.ErrorS(err, "Error running worker")
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}
	klog.Info("Worker shut down")
}
