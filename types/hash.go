package types

import (
	"github.com/gammazero/deque"
	"github.com/minio/blake2b-simd"
)

var hashPersonalization = []byte("ckb-default-hash")

// Blake2b256 returns the CKB flavored blake2b-256 digest of the
// concatenation of the provided byte slices.
func Blake2b256(data ...[]byte) Hash {
	h, err := blake2b.New(&blake2b.Config{
		Size:   32,
		Person: hashPersonalization,
	})
	if err != nil {
		// The configuration is static.
		panic("types: failed to initialize blake2b: " + err.Error())
	}
	for _, d := range data {
		_, _ = h.Write(d)
	}

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ComputeHash returns the transaction hash.
func (tx *Transaction) ComputeHash() (Hash, error) {
	raw, err := tx.SerializeRaw()
	if err != nil {
		return Hash{}, err
	}
	return Blake2b256(raw), nil
}

// ComputeWitnessHash returns the hash of the full transaction including
// witnesses.
func (tx *Transaction) ComputeWitnessHash() (Hash, error) {
	full, err := tx.Serialize()
	if err != nil {
		return Hash{}, err
	}
	return Blake2b256(full), nil
}

// ComputeHash returns the hash of the script.
func (s *Script) ComputeHash() (Hash, error) {
	b, err := s.Serialize()
	if err != nil {
		return Hash{}, err
	}
	return Blake2b256(b), nil
}

// MerkleRoot returns the complete binary merkle tree root of the leaves.
func MerkleRoot(leaves []Hash) Hash {
	if len(leaves) == 0 {
		return Hash{}
	}

	var queue deque.Deque
	i := len(leaves)
	for ; i >= 2; i -= 2 {
		queue.PushBack(mergeHashes(leaves[i-2], leaves[i-1]))
	}
	if i == 1 {
		queue.PushFront(leaves[0])
	}
	for queue.Len() > 1 {
		right := queue.PopFront().(Hash)
		left := queue.PopFront().(Hash)
		queue.PushBack(mergeHashes(left, right))
	}
	return queue.PopFront().(Hash)
}

func mergeHashes(left, right Hash) Hash {
	return Blake2b256(left[:], right[:])
}

// TransactionsRoot returns the transactions root of a block containing the
// given transactions.
func TransactionsRoot(txs []Transaction) (Hash, error) {
	rawHashes := make([]Hash, 0, len(txs))
	witnessHashes := make([]Hash, 0, len(txs))
	for i := range txs {
		h, err := txs[i].ComputeHash()
		if err != nil {
			return Hash{}, err
		}
		w, err := txs[i].ComputeWitnessHash()
		if err != nil {
			return Hash{}, err
		}
		rawHashes = append(rawHashes, h)
		witnessHashes = append(witnessHashes, w)
	}
	return MerkleRoot([]Hash{MerkleRoot(rawHashes), MerkleRoot(witnessHashes)}), nil
}

// ProposalsHash returns the proposals hash of a block.
func ProposalsHash(proposals [][]byte) Hash {
	if len(proposals) == 0 {
		return Hash{}
	}
	return Blake2b256(proposals...)
}

// ExtraHash returns the extra hash of a block without uncles.
func ExtraHash(extension []byte) Hash {
	var unclesHash Hash
	if len(extension) == 0 {
		return unclesHash
	}
	extensionHash := Blake2b256(extension)
	return Blake2b256(unclesHash[:], extensionHash[:])
}
