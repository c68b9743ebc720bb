package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// requestsCmd はエスクロー要求一覧の取得コマンド。
func requestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "List all escrow requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			body, err := doJSON(http.MethodGet, apiURL+"/v1/escrow/requests/", nil, http.StatusOK)
			if err != nil {
				return err
			}

			if output == "json" {
				fmt.Println(string(body))
			} else {
				var result struct {
					Requests []struct {
						RequestID string `json:"request_id"`
						Type      string `json:"type"`
						KeyID     string `json:"key_id"`
						State     string `json:"state"`
						Approvals int    `json:"approvals"`
						CreatedAt string `json:"created_at"`
					} `json:"requests"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}

				fmt.Printf("%-38s %-16s %-38s %-10s %-10s %s\n", "REQUEST_ID", "TYPE", "KEY_ID", "STATE", "APPROVALS", "CREATED_AT")
				for _, r := range result.Requests {
					fmt.Printf("%-38s %-16s %-38s %-10s %-10d %s\n", r.RequestID, r.Type, r.KeyID, r.State, r.Approvals, r.CreatedAt)
				}
			}
			return nil
		},
	}
	return cmd
}

// transitionRequestCmd は要求の状態遷移コマンドの共通実装。
func transitionRequestCmd(use, short, action string) *cobra.Command {
	var requestID string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAPIURL(); err != nil {
				return err
			}

			url := fmt.Sprintf("%s/v1/escrow/requests/%s/%s", apiURL, requestID, action)
			body, err := doJSON(http.MethodPost, url, nil, http.StatusOK)
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
				fmt.Printf("Request %s is now %s\n", requestID, result["state"])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&requestID, "request-id", "", "Escrow request ID (required)")
	cmd.MarkFlagRequired("request-id")
	return cmd
}

// approveCmd は要求の承認コマンド。
func approveCmd() *cobra.Command {
	return transitionRequestCmd("approve", "Approve an escrow request", "approve")
}

// rejectCmd は要求の拒否コマンド。
func rejectCmd() *cobra.Command {
	return transitionRequestCmd("reject", "Reject an escrow request", "reject")
}

// cancelCmd は要求の取り消しコマンド。
func cancelCmd() *cobra.Command {
	return transitionRequestCmd("cancel", "Cancel an escrow request", "cancel")
}
