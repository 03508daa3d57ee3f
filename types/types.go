// Package types implements the subset of the CKB data model used by the
// test runner: JSON-RPC views, molecule serialization, hashing and the
// encoding of transaction input "since" locks.
package types

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Hash is a 32-byte blake2b digest, hex encoded with a 0x prefix in JSON.
type Hash = common.Hash

// ScriptHashType is the way a script's code hash is matched against cells.
type ScriptHashType string

const (
	HashTypeData  ScriptHashType = "data"
	HashTypeType  ScriptHashType = "type"
	HashTypeData1 ScriptHashType = "data1"
)

func (t ScriptHashType) serialize() (byte, error) {
	switch t {
	case HashTypeData:
		return 0, nil
	case HashTypeType:
		return 1, nil
	case HashTypeData1:
		return 2, nil
	default:
		return 0, fmt.Errorf("types: unsupported script hash type: '%s'", t)
	}
}

// DepType is the kind of a cell dependency.
type DepType string

const (
	DepTypeCode     DepType = "code"
	DepTypeDepGroup DepType = "dep_group"
)

func (t DepType) serialize() (byte, error) {
	switch t {
	case DepTypeCode:
		return 0, nil
	case DepTypeDepGroup:
		return 1, nil
	default:
		return 0, fmt.Errorf("types: unsupported dep type: '%s'", t)
	}
}

// Script is a lock or type script.
type Script struct {
	CodeHash Hash           `json:"code_hash"`
	HashType ScriptHashType `json:"hash_type"`
	Args     hexutil.Bytes  `json:"args"`
}

// Equal returns true iff both scripts are identical.
func (s *Script) Equal(other *Script) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.CodeHash == other.CodeHash && s.HashType == other.HashType && string(s.Args) == string(other.Args)
}

// OutPoint references a transaction output.
type OutPoint struct {
	TxHash Hash           `json:"tx_hash"`
	Index  hexutil.Uint64 `json:"index"`
}

// String returns a human readable representation of the out point.
func (op OutPoint) String() string {
	return fmt.Sprintf("%s:%d", op.TxHash.Hex(), uint64(op.Index))
}

// CellInput is a transaction input.
type CellInput struct {
	Since          hexutil.Uint64 `json:"since"`
	PreviousOutput OutPoint       `json:"previous_output"`
}

// CellOutput is a transaction output.
type CellOutput struct {
	Capacity hexutil.Uint64 `json:"capacity"`
	Lock     Script         `json:"lock"`
	Type     *Script        `json:"type"`
}

// CellDep is a transaction cell dependency.
type CellDep struct {
	OutPoint OutPoint `json:"out_point"`
	DepType  DepType  `json:"dep_type"`
}

// Transaction is a CKB transaction as accepted by send_transaction.
type Transaction struct {
	Version     hexutil.Uint64  `json:"version"`
	CellDeps    []CellDep       `json:"cell_deps"`
	HeaderDeps  []Hash          `json:"header_deps"`
	Inputs      []CellInput     `json:"inputs"`
	Outputs     []CellOutput    `json:"outputs"`
	OutputsData []hexutil.Bytes `json:"outputs_data"`
	Witnesses   []hexutil.Bytes `json:"witnesses"`
}

// TransactionView is a transaction together with its hash, as returned by
// the block queries.
type TransactionView struct {
	Transaction
	Hash Hash `json:"hash"`
}

// Header is a block header.
//
// Nodes released before 0.100 name the extra hash field "uncles_hash" and
// reject unknown fields, Legacy selects that encoding.
type Header struct {
	Version          hexutil.Uint64 `json:"version"`
	CompactTarget    hexutil.Uint64 `json:"compact_target"`
	Timestamp        hexutil.Uint64 `json:"timestamp"`
	Number           hexutil.Uint64 `json:"number"`
	Epoch            hexutil.Uint64 `json:"epoch"`
	ParentHash       Hash           `json:"parent_hash"`
	TransactionsRoot Hash           `json:"transactions_root"`
	ProposalsHash    Hash           `json:"proposals_hash"`
	ExtraHash        Hash           `json:"extra_hash"`
	Dao              Hash           `json:"dao"`
	Nonce            hexutil.Big    `json:"nonce"`

	Legacy bool `json:"-"`
}

type headerJSON struct {
	Version          hexutil.Uint64 `json:"version"`
	CompactTarget    hexutil.Uint64 `json:"compact_target"`
	Timestamp        hexutil.Uint64 `json:"timestamp"`
	Number           hexutil.Uint64 `json:"number"`
	Epoch            hexutil.Uint64 `json:"epoch"`
	ParentHash       Hash           `json:"parent_hash"`
	TransactionsRoot Hash           `json:"transactions_root"`
	ProposalsHash    Hash           `json:"proposals_hash"`
	ExtraHash        *Hash          `json:"extra_hash,omitempty"`
	UnclesHash       *Hash          `json:"uncles_hash,omitempty"`
	Dao              Hash           `json:"dao"`
	Nonce            hexutil.Big    `json:"nonce"`
}

// MarshalJSON encodes the header.
func (h Header) MarshalJSON() ([]byte, error) {
	v := headerJSON{
		Version:          h.Version,
		CompactTarget:    h.CompactTarget,
		Timestamp:        h.Timestamp,
		Number:           h.Number,
		Epoch:            h.Epoch,
		ParentHash:       h.ParentHash,
		TransactionsRoot: h.TransactionsRoot,
		ProposalsHash:    h.ProposalsHash,
		Dao:              h.Dao,
		Nonce:            h.Nonce,
	}
	extraHash := h.ExtraHash
	if h.Legacy {
		v.UnclesHash = &extraHash
	} else {
		v.ExtraHash = &extraHash
	}
	return json.Marshal(&v)
}

// UnmarshalJSON decodes the header, accepting both field namings.
func (h *Header) UnmarshalJSON(data []byte) error {
	var v headerJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*h = Header{
		Version:          v.Version,
		CompactTarget:    v.CompactTarget,
		Timestamp:        v.Timestamp,
		Number:           v.Number,
		Epoch:            v.Epoch,
		ParentHash:       v.ParentHash,
		TransactionsRoot: v.TransactionsRoot,
		ProposalsHash:    v.ProposalsHash,
		Dao:              v.Dao,
		Nonce:            v.Nonce,
	}
	switch {
	case v.ExtraHash != nil:
		h.ExtraHash = *v.ExtraHash
	case v.UnclesHash != nil:
		h.ExtraHash = *v.UnclesHash
		h.Legacy = true
	}
	return nil
}

// HeaderView is a header together with its hash.
type HeaderView struct {
	Header
	Hash Hash `json:"hash"`
}

// MarshalJSON encodes the header view.
func (hv HeaderView) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(hv.Header)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err = json.Unmarshal(b, &fields); err != nil {
		return nil, err
	}
	if fields["hash"], err = json.Marshal(hv.Hash); err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes the header view. The embedded Header has its own
// decoder which would otherwise swallow the hash.
func (hv *HeaderView) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &hv.Header); err != nil {
		return err
	}
	var v struct {
		Hash Hash `json:"hash"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	hv.Hash = v.Hash
	return nil
}

// Block is a block as accepted by submit_block.
type Block struct {
	Header       Header            `json:"header"`
	Uncles       []json.RawMessage `json:"uncles"`
	Transactions []Transaction     `json:"transactions"`
	Proposals    []hexutil.Bytes   `json:"proposals"`
	Extension    hexutil.Bytes     `json:"extension,omitempty"`
}

// BlockView is a block as returned by get_block_by_number.
type BlockView struct {
	Header       HeaderView        `json:"header"`
	Uncles       []json.RawMessage `json:"uncles"`
	Transactions []TransactionView `json:"transactions"`
	Proposals    []hexutil.Bytes   `json:"proposals"`
	Extension    hexutil.Bytes     `json:"extension,omitempty"`
}

// TransactionTemplate is a transaction selected into a block template.
type TransactionTemplate struct {
	Hash     Hash             `json:"hash"`
	Required bool             `json:"required"`
	Cycles   *hexutil.Uint64  `json:"cycles"`
	Depends  []hexutil.Uint64 `json:"depends"`
	Data     Transaction      `json:"data"`
}

// CellbaseTemplate is the cellbase of a block template.
type CellbaseTemplate struct {
	Hash   Hash            `json:"hash"`
	Cycles *hexutil.Uint64 `json:"cycles"`
	Data   Transaction     `json:"data"`
}

// BlockTemplate is the result of get_block_template.
type BlockTemplate struct {
	Version          hexutil.Uint64        `json:"version"`
	CompactTarget    hexutil.Uint64        `json:"compact_target"`
	CurrentTime      hexutil.Uint64        `json:"current_time"`
	Number           hexutil.Uint64        `json:"number"`
	Epoch            hexutil.Uint64        `json:"epoch"`
	ParentHash       Hash                  `json:"parent_hash"`
	CyclesLimit      hexutil.Uint64        `json:"cycles_limit"`
	BytesLimit       hexutil.Uint64        `json:"bytes_limit"`
	UnclesCountLimit hexutil.Uint64        `json:"uncles_count_limit"`
	Uncles           []json.RawMessage     `json:"uncles"`
	Transactions     []TransactionTemplate `json:"transactions"`
	Proposals        []hexutil.Bytes       `json:"proposals"`
	Cellbase         CellbaseTemplate      `json:"cellbase"`
	WorkID           hexutil.Uint64        `json:"work_id"`
	Dao              Hash                  `json:"dao"`
	Extension        hexutil.Bytes         `json:"extension,omitempty"`
}

// Epoch is the result of get_current_epoch.
type Epoch struct {
	Number        hexutil.Uint64 `json:"number"`
	StartNumber   hexutil.Uint64 `json:"start_number"`
	Length        hexutil.Uint64 `json:"length"`
	CompactTarget hexutil.Uint64 `json:"compact_target"`
}

// EpochNumberWithFraction is the packed epoch field of a header.
type EpochNumberWithFraction uint64

// Number is the epoch number.
func (e EpochNumberWithFraction) Number() uint64 {
	return uint64(e) & 0xffffff
}

// Index is the block index within the epoch.
func (e EpochNumberWithFraction) Index() uint64 {
	return (uint64(e) >> 24) & 0xffff
}

// Length is the epoch length.
func (e EpochNumberWithFraction) Length() uint64 {
	return (uint64(e) >> 40) & 0xffff
}

// ProposalWindow bounds the distance between proposal and commitment.
type ProposalWindow struct {
	Closest  hexutil.Uint64 `json:"closest"`
	Farthest hexutil.Uint64 `json:"farthest"`
}

// HardForkFeature is a hard fork feature and its activation epoch.
type HardForkFeature struct {
	RFC         string          `json:"rfc"`
	EpochNumber *hexutil.Uint64 `json:"epoch_number"`
}

// Consensus is the subset of get_consensus used by the runner.
type Consensus struct {
	ID                   string            `json:"id"`
	GenesisHash          Hash              `json:"genesis_hash"`
	CellbaseMaturity     hexutil.Uint64    `json:"cellbase_maturity"`
	MedianTimeBlockCount hexutil.Uint64    `json:"median_time_block_count"`
	TxProposalWindow     ProposalWindow    `json:"tx_proposal_window"`
	HardforkFeatures     []HardForkFeature `json:"hardfork_features"`
}

// HardForkEpoch returns the activation epoch of the named RFC, if the node
// reports one.
func (c *Consensus) HardForkEpoch(rfc string) (uint64, bool) {
	for _, f := range c.HardforkFeatures {
		if f.RFC == rfc && f.EpochNumber != nil {
			return uint64(*f.EpochNumber), true
		}
	}
	return 0, false
}

// NodeAddress is an advertised node address.
type NodeAddress struct {
	Address string         `json:"address"`
	Score   hexutil.Uint64 `json:"score"`
}

// LocalNode is the result of local_node_info.
type LocalNode struct {
	Version   string        `json:"version"`
	NodeID    string        `json:"node_id"`
	Active    bool          `json:"active"`
	Addresses []NodeAddress `json:"addresses"`
}

// RemoteNode is an entry of get_peers.
type RemoteNode struct {
	Version    string        `json:"version"`
	NodeID     string        `json:"node_id"`
	Addresses  []NodeAddress `json:"addresses"`
	IsOutbound bool          `json:"is_outbound"`
}

// BannedAddress is an entry of get_banned_addresses.
type BannedAddress struct {
	Address   string         `json:"address"`
	BanUntil  hexutil.Uint64 `json:"ban_until"`
	BanReason string         `json:"ban_reason"`
	CreatedAt hexutil.Uint64 `json:"created_at"`
}
