package aa

// entryPointABIJSON is the subset of the v0.6 EntryPoint interface the bundler
// calls or decodes.
const entryPointABIJSON = `[
  {
    "type": "function",
    "name": "handleOps",
    "stateMutability": "nonpayable",
    "inputs": [
      {
        "name": "ops",
        "type": "tuple[]",
        "internalType": "struct UserOperation[]",
        "components": [
          {"name": "sender", "type": "address"},
          {"name": "nonce", "type": "uint256"},
          {"name": "initCode", "type": "bytes"},
          {"name": "callData", "type": "bytes"},
          {"name": "callGasLimit", "type": "uint256"},
          {"name": "verificationGasLimit", "type": "uint256"},
          {"name": "preVerificationGas", "type": "uint256"},
          {"name": "maxFeePerGas", "type": "uint256"},
          {"name": "maxPriorityFeePerGas", "type": "uint256"},
          {"name": "paymasterAndData", "type": "bytes"},
          {"name": "signature", "type": "bytes"}
        ]
      },
      {"name": "beneficiary", "type": "address", "internalType": "address payable"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "getNonce",
    "stateMutability": "view",
    "inputs": [
      {"name": "sender", "type": "address"},
      {"name": "key", "type": "uint192"}
    ],
    "outputs": [{"name": "nonce", "type": "uint256"}]
  },
  {
    "type": "error",
    "name": "FailedOp",
    "inputs": [
      {"name": "opIndex", "type": "uint256"},
      {"name": "reason", "type": "string"}
    ]
  },
  {
    "type": "event",
    "name": "UserOperationEvent",
    "anonymous": false,
    "inputs": [
      {"name": "userOpHash", "type": "bytes32", "indexed": true},
      {"name": "sender", "type": "address", "indexed": true},
      {"name": "paymaster", "type": "address", "indexed": true},
      {"name": "nonce", "type": "uint256", "indexed": false},
      {"name": "success", "type": "bool", "indexed": false},
      {"name": "actualGasCost", "type": "uint256", "indexed": false},
      {"name": "actualGasUsed", "type": "uint256", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "UserOperationRevertReason",
    "anonymous": false,
    "inputs": [
      {"name": "userOpHash", "type": "bytes32", "indexed": true},
      {"name": "sender", "type": "address", "indexed": true},
      {"name": "nonce", "type": "uint256", "indexed": false},
      {"name": "revertReason", "type": "bytes", "indexed": false}
    ]
  }
]`
