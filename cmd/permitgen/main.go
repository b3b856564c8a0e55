package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0gfoundation/0g-subscription-ledger/internal/permit"
)

// permitgen signs a provider onboarding permit with the admin key.
// The output signature is what registerProvider expects.
func main() {
	var (
		keyHex   = flag.String("key", "", "admin private key (hex, no 0x)")
		caller   = flag.String("caller", "", "provider owner address")
		provider = flag.Uint64("provider", 0, "provider id")
		fee      = flag.Uint64("fee", 0, "fee per period")
		period   = flag.Int64("period", 0, "period length in seconds")
		network  = flag.Uint64("network", 0, "network id")
	)
	flag.Parse()

	if *keyHex == "" || *caller == "" || *period <= 0 || *network == 0 {
		flag.Usage()
		os.Exit(2)
	}

	key, err := crypto.HexToECDSA(*keyHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad key: %v\n", err)
		os.Exit(1)
	}
	owner := common.HexToAddress(*caller)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	sig, err := permit.Sign(key, owner, *provider, *fee, *period, *network)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign: %v\n", err)
		os.Exit(1)
	}
	digest := permit.Digest(signer, owner, *provider, *fee, *period, *network)

	fmt.Printf("signer:    %s\n", signer.Hex())
	fmt.Printf("digest:    0x%s\n", hex.EncodeToString(digest))
	fmt.Printf("signature: 0x%s\n", hex.EncodeToString(sig))
}
