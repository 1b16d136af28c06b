// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package sampler

func nameThread(string) error { return nil }

func threadID() int { return 0 }

func threadExited(int) bool { return true }
