// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !(linux && (amd64 || arm64))

package intercept

func (i *Interceptor) install() error {
	return ErrUnsupported
}
