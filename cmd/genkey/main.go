// genkey prints a fresh Ed25519 keypair for signing client tokens. The
// gateway only needs the public key (CHATGW_JWT_PUBLIC_KEY).
package main

import (
	"fmt"
	"os"

	"github.com/eldtechnologies/chatgw/internal/crypto"
)

func main() {
	pub, priv, err := crypto.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Public key (base64):  %s\n", pub)
	fmt.Printf("Private key (base64): %s\n", priv)
}
