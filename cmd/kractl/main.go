// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "kractl",
		Short: "Key Escrow Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("KRACTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set KRACTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(retrieveCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(requestsCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(transportCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kractl version %s\n", version)
		},
	}
}

func requireAPIURL() error {
	if apiURL == "" {
		return fmt.Errorf("--api-url is required (or set KRACTL_API_URL)")
	}
	return nil
}

// doJSON はJSONボディ付きのHTTPリクエストを実行し、レスポンスボディを返す。
func doJSON(method, url string, reqBody interface{}, wantStatus int) ([]byte, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		return nil, handleErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s", errResp.Message)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}

// fetchTransportKey はサーバーのトランスポート公開鍵を取得する。
func fetchTransportKey() (*rsa.PublicKey, error) {
	body, err := doJSON(http.MethodGet, apiURL+"/v1/escrow/transport", nil, http.StatusOK)
	if err != nil {
		return nil, err
	}
	var result struct {
		PublicKey []byte `json:"public_key"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(result.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parsing transport public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("transport key is not an RSA key")
	}
	return rsaPub, nil
}

// clientEnvelope はサーバーのエンベロープ形式と対になるクライアント側の表現。
type clientEnvelope struct {
	WrappedSecret     []byte `json:"wrapped_secret"`
	WrappedSessionKey []byte `json:"wrapped_session_key"`
	WrapAlgorithm     string `json:"wrap_algorithm"`
	Nonce             []byte `json:"nonce"`
}

// sealSecret は秘密情報をセッション鍵でラップし、セッション鍵を
// トランスポート公開鍵でラップしたエンベロープを作る。
func sealSecret(transportKey *rsa.PublicKey, secret []byte) (*clientEnvelope, []byte, error) {
	sessionKey := make([]byte, 32)
	if _, err := rand.Read(sessionKey); err != nil {
		return nil, nil, fmt.Errorf("generating session key: %w", err)
	}
	nonce := make([]byte, 12)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	wrappedSecret := aead.Seal(nil, nonce, secret, nil)

	wrappedSessionKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, transportKey, sessionKey, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("wrapping session key: %w", err)
	}

	return &clientEnvelope{
		WrappedSecret:     wrappedSecret,
		WrappedSessionKey: wrappedSessionKey,
		WrapAlgorithm:     "AES/GCM",
		Nonce:             nonce,
	}, sessionKey, nil
}

// openEnvelope は保持しているセッション鍵でエンベロープ中の秘密情報を復号する。
func openEnvelope(env *clientEnvelope, sessionKey []byte) ([]byte, error) {
	if env.WrapAlgorithm != "AES/GCM" {
		return nil, fmt.Errorf("unsupported wrap algorithm %q", env.WrapAlgorithm)
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, env.Nonce, env.WrappedSecret, nil)
}

// transportCmd はトランスポート公開鍵の取得コマンド。
func transportCmd() *cobra.Command {
	var outFile string
	cmd := &cobra.Command{
		Use:   "transport",
		Short: "Fetch the server transport public key (PKIX DER)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			body, err := doJSON(http.MethodGet, apiURL+"/v1/escrow/transport", nil, http.StatusOK)
			if err != nil {
				return err
			}

			if outFile != "" {
				var result struct {
					PublicKey []byte `json:"public_key"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				if err := os.WriteFile(outFile, result.PublicKey, 0o644); err != nil {
					return fmt.Errorf("writing key file: %w", err)
				}
				fmt.Printf("Wrote transport public key to %s\n", outFile)
				return nil
			}

			fmt.Println(string(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&outFile, "out", "", "Write DER-encoded key to file instead of stdout")
	return cmd
}
