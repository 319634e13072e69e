package model

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DepositPayload is a pool deposit; LeafIndex addresses the tree leaf.
type DepositPayload struct {
	Commitment common.Hash    `json:"commitment"`
	LeafIndex  uint64         `json:"leaf_index"`
	Timestamp  uint64         `json:"timestamp"`
	From       common.Address `json:"from"`
}

// WithdrawalPayload is a pool withdrawal.
type WithdrawalPayload struct {
	NullifierHash common.Hash    `json:"nullifier_hash"`
	To            common.Address `json:"to"`
	Relayer       common.Address `json:"relayer"`
	Fee           *hexutil.Big   `json:"fee"`
	Timestamp     uint64         `json:"timestamp"`
}

// EchoPayload is an encrypted note account published through the echoer.
type EchoPayload struct {
	Address          common.Address `json:"address"`
	EncryptedAccount hexutil.Bytes  `json:"encrypted_account"`
}

// EncryptedNotePayload is a note backup emitted by the router.
type EncryptedNotePayload struct {
	EncryptedNote hexutil.Bytes `json:"encrypted_note"`
}

// GovernanceEvent names a governance event.
type GovernanceEvent string

const (
	GovernanceProposalCreated GovernanceEvent = "ProposalCreated"
	GovernanceVoted           GovernanceEvent = "Voted"
	GovernanceDelegated       GovernanceEvent = "Delegated"
	GovernanceUndelegated     GovernanceEvent = "Undelegated"
)

// GovernancePayload covers the governance event family. Only the fields of
// the named Event are populated.
type GovernancePayload struct {
	Event       GovernanceEvent `json:"event"`
	ProposalID  *hexutil.Big    `json:"proposal_id,omitempty"`
	Proposer    common.Address  `json:"proposer,omitempty"`
	Target      common.Address  `json:"target,omitempty"`
	StartTime   uint64          `json:"start_time,omitempty"`
	EndTime     uint64          `json:"end_time,omitempty"`
	Description string          `json:"description,omitempty"`
	Voter       common.Address  `json:"voter,omitempty"`
	Support     bool            `json:"support,omitempty"`
	Votes       *hexutil.Big    `json:"votes,omitempty"`
	Account     common.Address  `json:"account,omitempty"`
	Delegate    common.Address  `json:"delegate,omitempty"`
}

// RegisteredPayload is a relayer registration.
type RegisteredPayload struct {
	EnsName        string         `json:"ens_name"`
	RelayerAddress common.Address `json:"relayer_address"`
	EnsHash        common.Hash    `json:"ens_hash"`
	StakedAmount   *hexutil.Big   `json:"staked_amount,omitempty"`
}

func (*DepositPayload) Kind() Kind       { return KindDeposit }
func (*WithdrawalPayload) Kind() Kind    { return KindWithdrawal }
func (*EchoPayload) Kind() Kind          { return KindEcho }
func (*EncryptedNotePayload) Kind() Kind { return KindEncryptedNote }
func (*GovernancePayload) Kind() Kind    { return KindGovernance }
func (*RegisteredPayload) Kind() Kind    { return KindRegistered }

func (*DepositPayload) isPayload()       {}
func (*WithdrawalPayload) isPayload()    {}
func (*EchoPayload) isPayload()          {}
func (*EncryptedNotePayload) isPayload() {}
func (*GovernancePayload) isPayload()    {}
func (*RegisteredPayload) isPayload()    {}
