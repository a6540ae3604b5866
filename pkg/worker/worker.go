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

package worker

import (
	"context"
	"fmt"

	"github.com/KontonGu/faas-job-worker/pkg/subscriber"
	"golang.org/x/sync/errgroup"
	klog "k8s.io/klog/v2"
)

// Worker runs one task per event source and drains them all on shutdown.
type Worker struct {
	sources []subscriber.Subscriber
}

func New(sources ...subscriber.Subscriber) *Worker {
	return &Worker{sources: sources}
}

// Run starts every source and blocks until all of them have returned. When
// ctx is cancelled every source is asked to stop and Run waits for each to
// release its sessions. A source failing cancels the others, its error is
// returned once they have drained.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.sources) == 0 {
		return fmt.Errorf("no event sources configured")
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range w.sources {
		i, src := i, src
		g.Go(func() error {
			klog.Infof("Starting event source %d", i)
			if err := src.Run(gctx); err != nil {
				klog.Errorf("Event source %d stopped: %v", i, err)
				return err
			}
			klog.Infof("Event source %d stopped", i)
			return nil
		})
	}

	klog.Infof("Worker started with %d event source(s)", len(w.sources))
	err := g.Wait()
	klog.Info("Worker drained")
	return err
}
