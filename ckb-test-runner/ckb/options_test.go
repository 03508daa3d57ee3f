package ckb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCaseOptions(t *testing.T) {
	require := require.New(t)

	var o CaseOptions
	require.Error(o.Validate(), "no nodes")

	o.NodeOptions = []NodeOptions{{Name: "node2019"}, {}}
	require.Error(o.Validate(), "unnamed node")

	o.NodeOptions[1].Name = "node2019"
	require.Error(o.Validate(), "duplicate name")

	o.NodeOptions[1].Name = "node2021"
	require.NoError(o.Validate())

	require.False(o.connect())
	require.False(o.sync())
	o.MakeAllNodesConnectedAndSynced = true
	require.True(o.connect())
	require.True(o.sync())
	require.Equal(60*time.Second, o.syncTimeout())

	n := o.NodeOptions[0]
	require.Equal("passthrough", n.outputsValidator())
	require.EqualValues(1, n.alwaysSuccessIndex())
	require.Equal(defaultStartTimeout, n.startTimeout())

	n.OutputsValidator = OutputsValidator("")
	n.AlwaysSuccessIndex = 3
	n.StartTimeout = time.Second
	require.Empty(n.outputsValidator(), "explicitly empty")
	require.EqualValues(3, n.alwaysSuccessIndex())
	require.Equal(time.Second, n.startTimeout())
}

func TestIsLegacyVersion(t *testing.T) {
	require := require.New(t)

	for version, legacy := range map[string]bool{
		"0.43.0 (e2c0e97 2021-06-01)":       true,
		"v0.99.9":                           true,
		"0.100.0-rc2":                       false,
		"0.100.0 (5e6b5bc 2021-09-06)":      false,
		"0.101.0-fork2021 (abc 2021-08-01)": false,
		"":                                  false,
		"unknown":                           false,
	} {
		require.Equal(legacy, isLegacyVersion(version), version)
	}
}
