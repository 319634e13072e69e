package graph

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"poolsync/internal/model"
)

// row is the union of the entity fields requested from the subgraph.
// Numbers arrive as decimal strings.
type row struct {
	ID               string `json:"id"`
	BlockNumber      string `json:"blockNumber"`
	TransactionHash  string `json:"transactionHash"`
	Timestamp        string `json:"timestamp"`
	Commitment       string `json:"commitment"`
	Index            string `json:"index"`
	From             string `json:"from"`
	Nullifier        string `json:"nullifier"`
	To               string `json:"to"`
	Relayer          string `json:"relayer"`
	Fee              string `json:"fee"`
	Address          string `json:"address"`
	EncryptedAccount string `json:"encryptedAccount"`
	EncryptedNote    string `json:"encryptedNote"`
	EnsName          string `json:"ensName"`
}

type entitySpec struct {
	name    string
	fields  []string
	payload func(row) (model.Payload, error)
}

var baseFields = []string{"id", "blockNumber", "transactionHash"}

// entities maps each indexed stream kind to its subgraph entity. Governance
// is not indexed and always comes from RPC.
var entities = map[model.Kind]entitySpec{
	model.KindDeposit: {
		name:    "deposits",
		fields:  append(baseFields[:len(baseFields):len(baseFields)], "commitment", "index", "timestamp", "from"),
		payload: depositPayload,
	},
	model.KindWithdrawal: {
		name:    "withdrawals",
		fields:  append(baseFields[:len(baseFields):len(baseFields)], "nullifier", "to", "relayer", "fee", "timestamp"),
		payload: withdrawalPayload,
	},
	model.KindEcho: {
		name:    "noteAccounts",
		fields:  append(baseFields[:len(baseFields):len(baseFields)], "address", "encryptedAccount"),
		payload: echoPayload,
	},
	model.KindEncryptedNote: {
		name:    "encryptedNotes",
		fields:  append(baseFields[:len(baseFields):len(baseFields)], "encryptedNote"),
		payload: encryptedNotePayload,
	},
	model.KindRegistered: {
		name:    "relayers",
		fields:  append(baseFields[:len(baseFields):len(baseFields)], "address", "ensName"),
		payload: registeredPayload,
	},
}

func (e entitySpec) decode(r row) (model.EventRecord, error) {
	block, err := parseUint(r.BlockNumber)
	if err != nil {
		return model.EventRecord{}, fmt.Errorf("block number: %w", err)
	}
	logIndex, err := logIndexFromID(r.ID)
	if err != nil {
		return model.EventRecord{}, err
	}
	txHash, err := parseHash(r.TransactionHash)
	if err != nil {
		return model.EventRecord{}, fmt.Errorf("transaction hash: %w", err)
	}
	payload, err := e.payload(r)
	if err != nil {
		return model.EventRecord{}, err
	}
	return model.EventRecord{
		BlockNumber:     block,
		LogIndex:        logIndex,
		TransactionHash: txHash,
		Payload:         payload,
	}, nil
}

// logIndexFromID reads the log index from an id of the form
// <txHash>-<logIndex>.
func logIndexFromID(id string) (uint64, error) {
	sep := strings.LastIndexByte(id, '-')
	if sep < 0 {
		return 0, fmt.Errorf("id %q has no log index", id)
	}
	n, err := parseUint(id[sep+1:])
	if err != nil {
		return 0, fmt.Errorf("id %q: %w", id, err)
	}
	return n, nil
}

func depositPayload(r row) (model.Payload, error) {
	commitment, err := parseHash(r.Commitment)
	if err != nil {
		return nil, fmt.Errorf("commitment: %w", err)
	}
	index, err := parseUint(r.Index)
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}
	timestamp, err := parseUint(r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	from, err := parseAddress(r.From)
	if err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	return &model.DepositPayload{Commitment: commitment, LeafIndex: index, Timestamp: timestamp, From: from}, nil
}

func withdrawalPayload(r row) (model.Payload, error) {
	nullifier, err := parseHash(r.Nullifier)
	if err != nil {
		return nil, fmt.Errorf("nullifier: %w", err)
	}
	to, err := parseAddress(r.To)
	if err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	var relayer common.Address
	if r.Relayer != "" {
		if relayer, err = parseAddress(r.Relayer); err != nil {
			return nil, fmt.Errorf("relayer: %w", err)
		}
	}
	fee, ok := new(big.Int).SetString(r.Fee, 10)
	if !ok {
		return nil, fmt.Errorf("fee: invalid integer %q", r.Fee)
	}
	timestamp, err := parseUint(r.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	return &model.WithdrawalPayload{
		NullifierHash: nullifier,
		To:            to,
		Relayer:       relayer,
		Fee:           (*hexutil.Big)(fee),
		Timestamp:     timestamp,
	}, nil
}

func echoPayload(r row) (model.Payload, error) {
	address, err := parseAddress(r.Address)
	if err != nil {
		return nil, fmt.Errorf("address: %w", err)
	}
	account, err := hexutil.Decode(r.EncryptedAccount)
	if err != nil {
		return nil, fmt.Errorf("encrypted account: %w", err)
	}
	return &model.EchoPayload{Address: address, EncryptedAccount: account}, nil
}

func encryptedNotePayload(r row) (model.Payload, error) {
	note, err := hexutil.Decode(r.EncryptedNote)
	if err != nil {
		return nil, fmt.Errorf("encrypted note: %w", err)
	}
	return &model.EncryptedNotePayload{EncryptedNote: note}, nil
}

func registeredPayload(r row) (model.Payload, error) {
	address, err := parseAddress(r.Address)
	if err != nil {
		return nil, fmt.Errorf("address: %w", err)
	}
	return &model.RegisteredPayload{EnsName: r.EnsName, RelayerAddress: address}, nil
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) > common.HashLength {
		return common.Hash{}, fmt.Errorf("hash too long: %d bytes", len(b))
	}
	return common.BytesToHash(b), nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}
