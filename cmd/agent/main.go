/*
Copyright Calliope Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// The agent command exposes the out-of-band invitation subsystem on the
// command line: creating and parsing invitations and housekeeping for stale
// exchange records.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
