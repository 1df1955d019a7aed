package klog

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Warn)

	l.Debugf("noise %d", 1)
	l.Infof("more noise")
	l.Warnf("kept %s", "one")
	l.Errorf("kept two")

	out := buf.String()
	require.NotContains(t, out, "noise")
	require.Contains(t, out, "warning: kept one\n")
	require.Contains(t, out, "error: kept two\n")
}

func TestNilSinkIsSafe(t *testing.T) {
	l := New(nil, Debug)
	require.NotPanics(t, func() { l.Infof("into the void") })
}

func TestForceUnlockOpensLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, Info)
	l.lock.Acquire()
	l.ForceUnlock()
	l.Infof("after force unlock")
	require.Contains(t, buf.String(), "after force unlock")
}
