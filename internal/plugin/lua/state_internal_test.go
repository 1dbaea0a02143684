// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package lua

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	luavm "github.com/yuin/gopher-lua"

	"github.com/visorhq/visor/pkg/errutil"
)

func TestNewState_LibraryLoadError(t *testing.T) {
	factory := NewStateFactory()
	factory.libraries = []safeLibrary{{"broken", func(L *luavm.LState) int {
		L.RaiseError("cannot open")
		return 0
	}}}

	L, err := factory.NewState(context.Background())
	require.Error(t, err)
	assert.Nil(t, L)
	errutil.AssertErrorContext(t, err, "library", "broken")
}

func TestDefaultSafeLibraries(t *testing.T) {
	var names []string
	for _, lib := range defaultSafeLibraries() {
		names = append(names, lib.name)
	}
	assert.ElementsMatch(t, []string{luavm.BaseLibName, luavm.TabLibName, luavm.StringLibName, luavm.MathLibName}, names)
}
