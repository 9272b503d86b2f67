/*
Copyright 2011 The Perkeep Authors

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

// Package osutil holds small OS-specific helpers shared by the rest of
// the module, mostly so test code can derive per-user, collision-free
// names without reaching for os.Getenv directly.
package osutil

import (
	"os"
	"runtime"

	"evr-attr-index/pkg/buildinfo"
)

// HomeDir returns the path to the user's home directory.
// It returns the empty string if the value isn't known.
func HomeDir() string {
	failInTests()
	if runtime.GOOS == "windows" {
		return os.Getenv("HOMEDRIVE") + os.Getenv("HOMEPATH")
	}
	return os.Getenv("HOME")
}

// Username returns the current user's username, as
// reported by the relevant environment variable.
func Username() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("USERNAME")
	}
	return os.Getenv("USER")
}

// failInTests panics if called from a test binary, catching the case
// where a helper meant for a real daemon invocation (reading real
// environment state) is accidentally exercised by a test that forgot
// to set up its own fixture.
func failInTests() {
	if buildinfo.TestingLinked() {
		panic("Unexpected call to os-dependent func during test. Please fix.")
	}
}
