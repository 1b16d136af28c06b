// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !(linux && (amd64 || arm64))

package watchdog

func newCoordinator(Signals) (Coordinator, error) {
	return nil, ErrUnsupported
}

func newPacer(Signals, *Counter) statePacer {
	return nil
}

func maskSignals(Signals) (func() error, error) {
	return func() error { return nil }, nil
}
