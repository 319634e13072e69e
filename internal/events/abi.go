package events

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const instanceABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "bytes32", "name": "commitment", "type": "bytes32"},
      {"indexed": false, "internalType": "uint32", "name": "leafIndex", "type": "uint32"},
      {"indexed": false, "internalType": "uint256", "name": "timestamp", "type": "uint256"}
    ],
    "name": "Deposit",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "address", "name": "to", "type": "address"},
      {"indexed": false, "internalType": "bytes32", "name": "nullifierHash", "type": "bytes32"},
      {"indexed": true, "internalType": "address", "name": "relayer", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "fee", "type": "uint256"}
    ],
    "name": "Withdrawal",
    "type": "event"
  }
]`

const echoerABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "who", "type": "address"},
      {"indexed": false, "internalType": "bytes", "name": "data", "type": "bytes"}
    ],
    "name": "Echo",
    "type": "event"
  }
]`

const routerABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
      {"indexed": false, "internalType": "bytes", "name": "encryptedNote", "type": "bytes"}
    ],
    "name": "EncryptedNote",
    "type": "event"
  }
]`

const governanceABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "uint256", "name": "id", "type": "uint256"},
      {"indexed": true, "internalType": "address", "name": "proposer", "type": "address"},
      {"indexed": false, "internalType": "address", "name": "target", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "startTime", "type": "uint256"},
      {"indexed": false, "internalType": "uint256", "name": "endTime", "type": "uint256"},
      {"indexed": false, "internalType": "string", "name": "description", "type": "string"}
    ],
    "name": "ProposalCreated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "uint256", "name": "proposalId", "type": "uint256"},
      {"indexed": true, "internalType": "address", "name": "voter", "type": "address"},
      {"indexed": true, "internalType": "bool", "name": "support", "type": "bool"},
      {"indexed": false, "internalType": "uint256", "name": "votes", "type": "uint256"}
    ],
    "name": "Voted",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "account", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "to", "type": "address"}
    ],
    "name": "Delegated",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "account", "type": "address"},
      {"indexed": true, "internalType": "address", "name": "from", "type": "address"}
    ],
    "name": "Undelegated",
    "type": "event"
  }
]`

const relayerRegistryABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": false, "internalType": "bytes32", "name": "relayer", "type": "bytes32"},
      {"indexed": false, "internalType": "string", "name": "ensName", "type": "string"},
      {"indexed": false, "internalType": "address", "name": "relayerAddress", "type": "address"},
      {"indexed": false, "internalType": "uint256", "name": "stakedAmount", "type": "uint256"}
    ],
    "name": "RelayerRegistered",
    "type": "event"
  }
]`

type lazyABI struct {
	source string
	once   sync.Once
	parsed abi.ABI
	err    error
}

func (l *lazyABI) get() (abi.ABI, error) {
	l.once.Do(func() {
		l.parsed, l.err = abi.JSON(strings.NewReader(l.source))
	})
	return l.parsed, l.err
}

var (
	instanceABI        = &lazyABI{source: instanceABIJSON}
	echoerABI          = &lazyABI{source: echoerABIJSON}
	routerABI          = &lazyABI{source: routerABIJSON}
	governanceABI      = &lazyABI{source: governanceABIJSON}
	relayerRegistryABI = &lazyABI{source: relayerRegistryABIJSON}
)

// InstanceABI returns the parsed pool instance event ABI.
func InstanceABI() (abi.ABI, error) { return instanceABI.get() }

// EchoerABI returns the parsed echoer event ABI.
func EchoerABI() (abi.ABI, error) { return echoerABI.get() }

// RouterABI returns the parsed router event ABI.
func RouterABI() (abi.ABI, error) { return routerABI.get() }

// GovernanceABI returns the parsed governance event ABI.
func GovernanceABI() (abi.ABI, error) { return governanceABI.get() }

// RelayerRegistryABI returns the parsed relayer registry event ABI.
func RelayerRegistryABI() (abi.ABI, error) { return relayerRegistryABI.get() }
