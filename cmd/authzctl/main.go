package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Операторский CLI для сервиса авторизации: проверки ACL, управление
// правилами, просмотр и отзыв грантов. Работает поверх HTTP API.
var (
	serverURL string
	authToken string

	httpClient = &http.Client{Timeout: 10 * time.Second}
)

var rootCmd = &cobra.Command{
	Use:          "authzctl",
	Short:        "Operator CLI for the agent authorization service",
	SilenceUsage: true,
}

var checkCmd = &cobra.Command{
	Use:   "check <agent-id> <operation> <path>",
	Short: "Check whether an agent may perform an operation on a path",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodPost, "/v1/acl/check", map[string]any{
			"agent_id":  args[0],
			"operation": args[1],
			"path":      args[2],
		})
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage ACL rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all ACL rules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/v1/acl/rules/", nil)
	},
}

var (
	ruleSubjectID   string
	rulePriority    int
	ruleDescription string
)

var rulesAddCmd = &cobra.Command{
	Use:   "add <subject-type> <path> <operations> <effect>",
	Short: "Create an ACL rule (operations comma-separated, e.g. read,write)",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodPost, "/v1/acl/rules/", map[string]any{
			"subject_type": args[0],
			"subject_id":   ruleSubjectID,
			"path":         args[1],
			"operations":   strings.Split(args[2], ","),
			"effect":       args[3],
			"priority":     rulePriority,
			"description":  ruleDescription,
		})
	},
}

var rulesRmCmd = &cobra.Command{
	Use:   "rm <rule-id>",
	Short: "Delete an ACL rule by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodDelete, "/v1/acl/rules/"+args[0], nil)
	},
}

var grantsCmd = &cobra.Command{
	Use:   "grants <agent-id>",
	Short: "List active capability grants for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodGet, "/v1/grants/?agent_id="+args[0], nil)
	},
}

var revokeReason string

var revokeCmd = &cobra.Command{
	Use:   "revoke <grant-id> <revocation-token>",
	Short: "Revoke a capability grant",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(http.MethodPost, "/v1/grants/"+args[0]+"/revoke", map[string]any{
			"revocation_token": args[1],
			"reason":           revokeReason,
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit [agent-id]",
	Short: "Show recent audit log entries",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/audit"
		if len(args) == 1 {
			path += "?agent_id=" + args[0]
		}
		return call(http.MethodGet, path, nil)
	},
}

// call выполняет запрос к API и печатает ответ как отформатированный JSON.
func call(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if len(data) > 0 {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, data, "", "  "); err == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(string(data))
		}
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("AUTHZ_SERVER", "http://localhost:8080"), "Base URL of the authz API")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("AUTHZ_TOKEN"), "Bearer token for the API")

	rulesAddCmd.Flags().StringVar(&ruleSubjectID, "subject-id", "", "Subject id (agent id, pool or role name; empty for global)")
	rulesAddCmd.Flags().IntVar(&rulePriority, "priority", 0, "Rule priority (lower wins among same effect)")
	rulesAddCmd.Flags().StringVar(&ruleDescription, "description", "", "Human-readable rule description")
	revokeCmd.Flags().StringVar(&revokeReason, "reason", "", "Revocation reason for the audit trail")

	rulesCmd.AddCommand(rulesListCmd, rulesAddCmd, rulesRmCmd)
	rootCmd.AddCommand(checkCmd, rulesCmd, grantsCmd, revokeCmd, auditCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
