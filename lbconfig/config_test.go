/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package lbconfig_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodegrid/dispatch/lbconfig"
)

func TestParseExactAndModular(t *testing.T) {
	cfg, err := lbconfig.Parse(strings.NewReader(`
# comment lines and blanks are ignored

0 RotateLB
% 5 GreedyLB tolerance=1.1
% 2 HierarchicalLB fanout=4
10 TemperedLB knowledge=Log rounds=3
`))
	require.NoError(t, err)

	d, ok := cfg.Resolve(0)
	require.True(t, ok)
	assert.Equal(t, "RotateLB", d.LBName)

	d, ok = cfg.Resolve(10)
	require.True(t, ok)
	assert.Equal(t, "TemperedLB", d.LBName)
	assert.Equal(t, "Log", d.Params["knowledge"])
	assert.Equal(t, "3", d.Params["rounds"])
}

// Smallest matching modulus wins among non-exact matches.
func TestResolveSmallestModulusWins(t *testing.T) {
	cfg, err := lbconfig.Parse(strings.NewReader(`
% 2 HierarchicalLB
% 5 GreedyLB
`))
	require.NoError(t, err)

	d, ok := cfg.Resolve(10) // divisible by both 2 and 5
	require.True(t, ok)
	assert.Equal(t, "HierarchicalLB", d.LBName)

	d, ok = cfg.Resolve(15) // divisible by 5 only
	require.True(t, ok)
	assert.Equal(t, "GreedyLB", d.LBName)
}

func TestExactBeatsModular(t *testing.T) {
	cfg, err := lbconfig.Parse(strings.NewReader(`
% 2 HierarchicalLB
4 RotateLB
`))
	require.NoError(t, err)

	d, ok := cfg.Resolve(4)
	require.True(t, ok)
	assert.Equal(t, "RotateLB", d.LBName)
}

func TestNoDirectiveMatches(t *testing.T) {
	cfg, err := lbconfig.Parse(strings.NewReader("% 3 GreedyLB\n"))
	require.NoError(t, err)

	_, ok := cfg.Resolve(4)
	assert.False(t, ok)
}

func TestParseRejectsUnknownLBName(t *testing.T) {
	_, err := lbconfig.Parse(strings.NewReader("0 NotALB\n"))
	require.Error(t, err)
}

func TestParseRejectsZeroModulus(t *testing.T) {
	_, err := lbconfig.Parse(strings.NewReader("% 0 RotateLB\n"))
	require.Error(t, err)
}

func TestParseRejectsMalformedParam(t *testing.T) {
	_, err := lbconfig.Parse(strings.NewReader("0 RotateLB badparam\n"))
	require.Error(t, err)
}

func TestFallbackConfig(t *testing.T) {
	cfg := lbconfig.NewFallback(4, "RotateLB")

	d, ok := cfg.Resolve(8)
	require.True(t, ok)
	assert.Equal(t, "RotateLB", d.LBName)

	_, ok = cfg.Resolve(3)
	assert.False(t, ok)
}
