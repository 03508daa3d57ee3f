package testdata

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/liya2017/ckb-integration-test/ckb-test-runner/env"
)

func TestResolveFixtures(t *testing.T) {
	require := require.New(t)

	all, err := resolveFixtures(nil)
	require.NoError(err)
	require.Len(all, 2)
	require.Equal("Epoch2V1TestData", all[0].name)
	require.Equal(env.BinaryCKB2019, all[0].binary)
	require.Equal(env.BinaryCKB2021, all[1].binary)

	fs, err := resolveFixtures([]string{"epoch2v2testdata", "Epoch2V1TestData", "Epoch2V2TestData"})
	require.NoError(err)
	require.Len(fs, 2, "duplicates are generated once")
	require.Equal("Epoch2V2TestData", fs[0].name)
	require.Equal("Epoch2V1TestData", fs[1].name)

	_, err = resolveFixtures([]string{"Epoch3TestData"})
	require.Error(err)
}

func TestNodeOptions(t *testing.T) {
	require := require.New(t)

	for _, f := range fixtures {
		opts := f.nodeOptions()
		require.Equal("db/empty", opts.InitialDatabase)
		require.Equal("spec/ckb2021", opts.ChainSpec)
		require.Equal("config/ckb2021", opts.AppConfig)
		require.Equal(f.binary, opts.Binary)
		require.NotEmpty(opts.Name)
	}
}

func TestRegister(t *testing.T) {
	require := require.New(t)

	root := &cobra.Command{Use: "ckb-test-runner"}
	Register(root)

	cmd, _, err := root.Find([]string{"testdata", "generate"})
	require.NoError(err)
	require.Equal(generateCmd, cmd)
	require.NotNil(cmd.Flags().Lookup(cfgTargetEpoch))
}
