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

package version

var (
	// Version release version of the worker, injected at build time
	Version string
	// GitCommit SHA of the last git commit, injected at build time
	GitCommit string
	// DevVersion string for the development version
	DevVersion = "dev"
)

// GetReleaseInfo returns the commit SHA and the release version
func GetReleaseInfo() (sha, release string) {
	release = BuildVersion()
	sha = GitCommit
	return sha, release
}

// BuildVersion returns the current release version or "dev" when unset
func BuildVersion() string {
	if len(Version) == 0 {
		return DevVersion
	}
	return Version
}
