// Command enroll generates step-up enrollment material for one identity: a
// TOTP secret with its provisioning URL and a batch of single-use recovery
// codes. The output is shown exactly once; the server only ever stores the
// secret and the code hashes.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/pquerna/otp/totp"

	"bastion/pkg/secrets"
)

const defaultRecoveryCodes = 10

type enrollmentOutput struct {
	Secret          string   `json:"totp_secret"`
	ProvisioningURL string   `json:"provisioning_url"`
	RecoveryCodes   []string `json:"recovery_codes"`
}

func main() {
	issuer := flag.String("issuer", "bastion", "Issuer label shown in the authenticator app")
	account := flag.String("account", "", "Account name (operator email). Required.")
	codes := flag.Int("codes", defaultRecoveryCodes, "Number of recovery codes to generate")
	asJSON := flag.Bool("json", false, "Output as JSON")
	flag.Parse()

	if *account == "" {
		fmt.Fprintln(os.Stderr, "error: -account is required")
		flag.Usage()
		os.Exit(1)
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      *issuer,
		AccountName: *account,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: generating TOTP key: %v\n", err)
		os.Exit(1)
	}

	recovery, err := secrets.GenerateRecoveryCodes(*codes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: generating recovery codes: %v\n", err)
		os.Exit(1)
	}

	out := enrollmentOutput{
		Secret:          key.Secret(),
		ProvisioningURL: key.URL(),
		RecoveryCodes:   recovery,
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fmt.Fprintf(os.Stderr, "error: encoding output: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fmt.Printf("TOTP secret:      %s\n", out.Secret)
	fmt.Printf("Provisioning URL: %s\n", out.ProvisioningURL)
	fmt.Println("Recovery codes (single use, store them now):")
	for _, code := range out.RecoveryCodes {
		fmt.Printf("  %s\n", code)
	}
}
