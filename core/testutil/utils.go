package testutil

import (
	"crypto/ecdsa"
	"os"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/AvaProtocol/ap-bundler/storage"
)

// EntryPoint v0.6 canonical deployment
var EntryPointAddress = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

// Well known development keys (anvil/hardhat accounts). Never fund them on a real network.
var executorKeys = []string{
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
	"8b3a350cf5c34c9194ca85829a2df0ec3153be0318b5e2d3348e872092edffba",
}

// Shortcut to initialize a storage at a temporary path, panic if we cannot create db
func TestMustDB() storage.Storage {
	dir, err := os.MkdirTemp("", "apbundlertest")
	if err != nil {
		panic(err)
	}

	db, err := storage.NewWithPath(dir)
	if err != nil {
		panic(err)
	}
	return db
}

func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger(sdklogging.Development)
	if err != nil {
		panic(err)
	}
	return logger
}

// ExecutorKeyHexes returns n development private keys, n is capped at 3.
func ExecutorKeyHexes(n int) []string {
	if n > len(executorKeys) {
		n = len(executorKeys)
	}
	return append([]string{}, executorKeys[:n]...)
}

func ExecutorKey(i int) *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(executorKeys[i])
	if err != nil {
		panic(err)
	}
	return key
}

func ExecutorAddress(i int) common.Address {
	return crypto.PubkeyToAddress(ExecutorKey(i).PublicKey)
}
