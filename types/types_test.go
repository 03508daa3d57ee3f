package types

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const testHeaderJSON = `{
	"compact_target": "0x20010000",
	"dao": "0x0000000000000000000000000000000000000000000000000000000000000000",
	"epoch": "0x70803e8000002",
	"%s": "0x0000000000000000000000000000000000000000000000000000000000000000",
	"hash": "0x0101010101010101010101010101010101010101010101010101010101010101",
	"nonce": "0x0",
	"number": "0x3e9",
	"parent_hash": "0x0202020202020202020202020202020202020202020202020202020202020202",
	"proposals_hash": "0x0000000000000000000000000000000000000000000000000000000000000000",
	"timestamp": "0x17b5b1e7b4c",
	"transactions_root": "0x0303030303030303030303030303030303030303030303030303030303030303",
	"version": "0x0"
}`

func TestHeaderJSON(t *testing.T) {
	require := require.New(t)

	for _, field := range []string{"extra_hash", "uncles_hash"} {
		var hv HeaderView
		err := json.Unmarshal([]byte(strings.Replace(testHeaderJSON, "%s", field, 1)), &hv)
		require.NoError(err, field)
		require.EqualValues(1001, hv.Number)
		require.EqualValues(0x17b5b1e7b4c, hv.Timestamp)
		require.Equal(filledHash(1), hv.Hash)
		require.Equal(field == "uncles_hash", hv.Legacy, field)

		epoch := EpochNumberWithFraction(hv.Epoch)
		require.EqualValues(2, epoch.Number())
		require.EqualValues(1000, epoch.Index())
		require.EqualValues(1800, epoch.Length())
	}

	h := Header{Number: 1, ExtraHash: Hash{0: 0xab}}
	b, err := json.Marshal(h)
	require.NoError(err)
	require.Contains(string(b), `"extra_hash":"0xab`)
	require.NotContains(string(b), "uncles_hash")
	require.Contains(string(b), `"nonce":"0x0"`)

	h.Legacy = true
	b, err = json.Marshal(h)
	require.NoError(err)
	require.Contains(string(b), `"uncles_hash":"0xab`)
	require.NotContains(string(b), "extra_hash")

	hv := HeaderView{Header: Header{Number: 5}, Hash: filledHash(5)}
	b, err = json.Marshal(hv)
	require.NoError(err)
	var decoded HeaderView
	require.NoError(json.Unmarshal(b, &decoded))
	require.Equal(hv.Hash, decoded.Hash, "hash survives the embedded header encoder")
	require.EqualValues(5, decoded.Number)
}

func TestConsensusHardForkEpoch(t *testing.T) {
	require := require.New(t)

	var c Consensus
	err := json.Unmarshal([]byte(`{
		"id": "ckb_dev",
		"median_time_block_count": "0x25",
		"tx_proposal_window": {"closest": "0x2", "farthest": "0xa"},
		"hardfork_features": [
			{"rfc": "0028", "epoch_number": "0x3"},
			{"rfc": "0221", "epoch_number": "0x3"},
			{"rfc": "0240", "epoch_number": null}
		]
	}`), &c)
	require.NoError(err)
	require.EqualValues(37, c.MedianTimeBlockCount)
	require.EqualValues(2, c.TxProposalWindow.Closest)

	epoch, ok := c.HardForkEpoch("0221")
	require.True(ok)
	require.EqualValues(3, epoch)
	_, ok = c.HardForkEpoch("0240")
	require.False(ok)
	_, ok = c.HardForkEpoch("0036")
	require.False(ok)
}

func filledHash(b byte) Hash {
	var h Hash
	for i := range h {
		h[i] = b
	}
	return h
}
