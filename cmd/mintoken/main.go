// mintoken issues client access tokens and hashes admin tokens.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/eldtechnologies/chatgw/internal/auth"
	"github.com/eldtechnologies/chatgw/internal/crypto"
)

func main() {
	userID := flag.Int64("user", 0, "User ID the token is issued for")
	secret := flag.String("secret", os.Getenv("CHATGW_JWT_SECRET"), "HMAC secret (defaults to $CHATGW_JWT_SECRET)")
	privKeyB64 := flag.String("key", "", "Base64-encoded Ed25519 private key (overrides -secret)")
	ttl := flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	hash := flag.String("hash", "", "Print the bcrypt hash of this admin token and exit")
	flag.Parse()

	if *hash != "" {
		h, err := crypto.HashAdminToken(*hash)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to hash token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(h)
		return
	}

	if *userID <= 0 || (*secret == "" && *privKeyB64 == "") {
		fmt.Fprintln(os.Stderr, "Usage: mintoken -user <id> (-secret <hmac-secret> | -key <private-key-base64>) [-ttl 24h]")
		fmt.Fprintln(os.Stderr, "       mintoken -hash <admin-token>")
		os.Exit(1)
	}

	var signer *auth.Signer
	if *privKeyB64 != "" {
		priv, err := crypto.ValidatePrivateKey(*privKeyB64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid private key: %v\n", err)
			os.Exit(1)
		}
		signer = auth.NewEd25519Signer(priv)
	} else {
		signer = auth.NewHMACSigner([]byte(*secret))
	}

	token, err := signer.Sign(*userID, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
