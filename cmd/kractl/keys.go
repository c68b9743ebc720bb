package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

// archiveCmd は既存秘密情報の預託コマンド。
// 秘密情報はクライアント側でセッション鍵によりラップしてから送信する。
func archiveCmd() *cobra.Command {
	var (
		clientKeyID string
		dataType    string
		algorithm   string
		keySize     int
		secretFile  string
		owner       string
		realm       string
	)
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive an existing secret under escrow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			secret, err := os.ReadFile(secretFile)
			if err != nil {
				return fmt.Errorf("reading secret file: %w", err)
			}

			transportKey, err := fetchTransportKey()
			if err != nil {
				return err
			}
			envelope, _, err := sealSecret(transportKey, secret)
			if err != nil {
				return err
			}

			reqBody := map[string]interface{}{
				"client_key_id": clientKeyID,
				"data_type":     dataType,
				"owner":         owner,
				"realm":         realm,
				"envelope":      envelope,
			}
			if algorithm != "" {
				reqBody["algorithm"] = algorithm
				reqBody["key_size"] = keySize
			}

			body, err := doJSON(http.MethodPost, apiURL+"/v1/escrow/keys/archive", reqBody, http.StatusCreated)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Archived secret %q (key_id: %s)\n", clientKeyID, result["key_id"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&clientKeyID, "client-key-id", "", "Client key identifier (required)")
	cmd.Flags().StringVar(&dataType, "data-type", "pass_phrase", "Data type: pass_phrase, symmetric_key, asymmetric_key")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "Key algorithm (required for symmetric_key)")
	cmd.Flags().IntVar(&keySize, "key-size", 0, "Key size in bits")
	cmd.Flags().StringVar(&secretFile, "secret-file", "", "File containing the secret to archive (required)")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner of the secret")
	cmd.Flags().StringVar(&realm, "realm", "", "Authentication realm")
	cmd.MarkFlagRequired("client-key-id")
	cmd.MarkFlagRequired("secret-file")
	return cmd
}

// generateCmd はサーバー側での鍵生成コマンド。
func generateCmd() *cobra.Command {
	var (
		clientKeyID string
		dataType    string
		algorithm   string
		keySize     int
		usages      []string
		owner       string
		realm       string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a key server-side and place it under escrow",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			reqBody := map[string]interface{}{
				"client_key_id": clientKeyID,
				"data_type":     dataType,
				"algorithm":     algorithm,
				"key_size":      keySize,
				"usages":        usages,
				"owner":         owner,
				"realm":         realm,
			}

			body, err := doJSON(http.MethodPost, apiURL+"/v1/escrow/keys/generate", reqBody, http.StatusCreated)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result struct {
					Record struct {
						KeyID string `json:"key_id"`
					} `json:"record"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Generated %s/%d key %q (key_id: %s)\n", algorithm, keySize, clientKeyID, result.Record.KeyID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&clientKeyID, "client-key-id", "", "Client key identifier (required)")
	cmd.Flags().StringVar(&dataType, "data-type", "symmetric_key", "Data type: symmetric_key, asymmetric_key")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "Key algorithm: AES, RSA, DSA (required)")
	cmd.Flags().IntVar(&keySize, "key-size", 0, "Key size in bits (required)")
	cmd.Flags().StringSliceVar(&usages, "usages", nil, "Allowed key usages (e.g. sign,decrypt)")
	cmd.Flags().StringVar(&owner, "owner", "", "Owner of the key")
	cmd.Flags().StringVar(&realm, "realm", "", "Authentication realm")
	cmd.MarkFlagRequired("client-key-id")
	cmd.MarkFlagRequired("algorithm")
	cmd.MarkFlagRequired("key-size")
	return cmd
}

// recoverCmd は回復要求の作成コマンド。
func recoverCmd() *cobra.Command {
	var (
		keyID     string
		mechanism string
		requestor string
		certFile  string
	)
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Submit a recovery request for an escrowed key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			reqBody := map[string]interface{}{
				"export_mechanism": mechanism,
				"requestor":        requestor,
			}
			if certFile != "" {
				cert, err := os.ReadFile(certFile)
				if err != nil {
					return fmt.Errorf("reading certificate file: %w", err)
				}
				reqBody["certificate"] = cert
			}

			url := fmt.Sprintf("%s/v1/escrow/keys/%s/recover", apiURL, keyID)
			body, err := doJSON(http.MethodPost, url, reqBody, http.StatusCreated)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("Recovery request %s is %s\n", result["request_id"], result["state"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "Escrowed key ID (required)")
	cmd.Flags().StringVar(&mechanism, "mechanism", "session_key", "Export mechanism: session_key, passphrase, pkcs12")
	cmd.Flags().StringVar(&requestor, "requestor", "", "Identity of the requestor")
	cmd.Flags().StringVar(&certFile, "cert-file", "", "DER certificate file (required for pkcs12)")
	cmd.MarkFlagRequired("key-id")
	return cmd
}

// retrieveCmd は承認済み回復要求に対する取り出しコマンド。
// session_keyメカニズムではセッション鍵をクライアント側で生成してラップし、
// 返却されたエンベロープをその場で復号して秘密情報を書き出す。
func retrieveCmd() *cobra.Command {
	var (
		keyID      string
		requestID  string
		mechanism  string
		passphrase string
		outFile    string
	)
	cmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Retrieve the secret for an approved recovery request",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			reqBody := map[string]interface{}{
				"request_id": requestID,
			}

			var sessionKey []byte
			switch mechanism {
			case "session_key":
				transportKey, err := fetchTransportKey()
				if err != nil {
					return err
				}
				// ダミー値をシールしてラップ済みセッション鍵だけ利用する
				env, key, err := sealSecret(transportKey, []byte{0})
				if err != nil {
					return err
				}
				sessionKey = key
				reqBody["wrapped_session_key"] = env.WrappedSessionKey
			case "passphrase":
				if passphrase == "" {
					return fmt.Errorf("--passphrase is required for the passphrase mechanism")
				}
				reqBody["passphrase"] = passphrase
			case "pkcs12":
				if passphrase == "" {
					return fmt.Errorf("--passphrase is required for the pkcs12 mechanism")
				}
				reqBody["passphrase"] = passphrase
			default:
				return fmt.Errorf("unknown mechanism %q", mechanism)
			}

			url := fmt.Sprintf("%s/v1/escrow/keys/%s/retrieve", apiURL, keyID)
			body, err := doJSON(http.MethodPost, url, reqBody, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}

			var result struct {
				Envelope   *clientEnvelope `json:"envelope"`
				PKCS12Data []byte          `json:"pkcs12_data"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			switch {
			case mechanism == "session_key" && result.Envelope != nil:
				secret, err := openEnvelope(result.Envelope, sessionKey)
				if err != nil {
					return fmt.Errorf("opening envelope: %w", err)
				}
				return writeSecret(outFile, secret)
			case mechanism == "pkcs12" && len(result.PKCS12Data) > 0:
				return writeSecret(outFile, result.PKCS12Data)
			default:
				// パスフレーズ機構ではラップされたままのエンベロープを書き出す
				data, err := json.Marshal(result.Envelope)
				if err != nil {
					return fmt.Errorf("encoding envelope: %w", err)
				}
				return writeSecret(outFile, data)
			}
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "Escrowed key ID (required)")
	cmd.Flags().StringVar(&requestID, "request-id", "", "Approved recovery request ID (required)")
	cmd.Flags().StringVar(&mechanism, "mechanism", "session_key", "Export mechanism: session_key, passphrase, pkcs12")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "Export passphrase (passphrase/pkcs12 mechanisms)")
	cmd.Flags().StringVar(&outFile, "out", "", "Output file (defaults to stdout)")
	cmd.MarkFlagRequired("key-id")
	cmd.MarkFlagRequired("request-id")
	return cmd
}

func writeSecret(outFile string, data []byte) error {
	if outFile == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(outFile, data, 0o600); err != nil {
		return fmt.Errorf("writing output file: %w", err)
	}
	fmt.Printf("Wrote %d bytes to %s\n", len(data), outFile)
	return nil
}

// listCmd は鍵レコード一覧の取得コマンド。
func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all escrowed key records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			body, err := doJSON(http.MethodGet, apiURL+"/v1/escrow/keys/", nil, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result struct {
					Records []struct {
						KeyID       string `json:"key_id"`
						ClientKeyID string `json:"client_key_id"`
						DataType    string `json:"data_type"`
						Status      string `json:"status"`
						CreatedAt   string `json:"created_at"`
					} `json:"records"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}

				fmt.Printf("%-38s %-24s %-16s %-10s %s\n", "KEY_ID", "CLIENT_KEY_ID", "DATA_TYPE", "STATUS", "CREATED_AT")
				for _, r := range result.Records {
					fmt.Printf("%-38s %-24s %-16s %-10s %s\n", r.KeyID, r.ClientKeyID, r.DataType, r.Status, r.CreatedAt)
				}
			}
			return nil
		},
	}
	return cmd
}

// getCmd は鍵レコードの取得コマンド。
func getCmd() *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Get an escrowed key record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			url := fmt.Sprintf("%s/v1/escrow/keys/%s", apiURL, keyID)
			body, err := doJSON(http.MethodGet, url, nil, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result map[string]interface{}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				fmt.Printf("key_id:        %s\n", result["key_id"])
				fmt.Printf("client_key_id: %s\n", result["client_key_id"])
				fmt.Printf("data_type:     %s\n", result["data_type"])
				fmt.Printf("status:        %s\n", result["status"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "Escrowed key ID (required)")
	cmd.MarkFlagRequired("key-id")
	return cmd
}

// statusCmd は鍵レコードのステータス変更コマンド。
func statusCmd() *cobra.Command {
	var keyID string
	var status string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Modify the status of an escrowed key record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			url := fmt.Sprintf("%s/v1/escrow/keys/%s/status", apiURL, keyID)
			body, err := doJSON(http.MethodPost, url, map[string]string{"status": status}, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				fmt.Printf("Key %s is now %s\n", keyID, status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyID, "key-id", "", "Escrowed key ID (required)")
	cmd.Flags().StringVar(&status, "status", "", "New status: active, inactive (required)")
	cmd.MarkFlagRequired("key-id")
	cmd.MarkFlagRequired("status")
	return cmd
}
