// Package contracts holds the ABIs of the on-chain collaborators. The
// contracts themselves live in their own repository.
package contracts

// SendEscrowABI is the subset of the SendEscrow interface this service calls.
const SendEscrowABI = `[
  {
    "type": "function",
    "name": "createTransfer",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "transferId", "type": "bytes32"},
      {"name": "principalUsdc", "type": "uint256"},
      {"name": "sponsorFeeUsdc", "type": "uint256"},
      {"name": "expiry", "type": "uint64"},
      {"name": "recipientHintHash", "type": "bytes32"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "release",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "transferId", "type": "bytes32"},
      {"name": "to", "type": "address"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "refund",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "transferId", "type": "bytes32"}
    ],
    "outputs": []
  },
  {
    "type": "event",
    "name": "TransferCreated",
    "anonymous": false,
    "inputs": [
      {"name": "transferId", "type": "bytes32", "indexed": true},
      {"name": "sender", "type": "address", "indexed": true},
      {"name": "principalUsdc", "type": "uint256", "indexed": false},
      {"name": "sponsorFeeUsdc", "type": "uint256", "indexed": false},
      {"name": "expiry", "type": "uint64", "indexed": false},
      {"name": "recipientHintHash", "type": "bytes32", "indexed": false}
    ]
  }
]`

// USDCDecimals is the scale of principal and fee amounts on chain.
const USDCDecimals = 6
