// Command compliancectl is the local CLI for talking to a running
// complianceagentd process over its loopback IPC surface.
//
// Usage:
//
//	compliancectl status                        - Summary of agent/device status
//	compliancectl evaluate [identifier]          - Trigger a compliance evaluation
//	compliancectl remediate [identifier]         - Trigger a compliance remediation
//	compliancectl compliance-status [-no-history] - Full device/module snapshot
//	compliancectl register [-force] <token>      - Register with the central registrar
//	compliancectl reload                         - Reload configuration and modules
//	compliancectl reload-modules                 - Reload compliance modules only
//	compliancectl shutdown                       - Stop the daemon
//	compliancectl jwt [duration]                 - Print a signed posture token
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7077", "complianceagentd IPC listen address")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	cli := &client{addr: *addr, http: &http.Client{Timeout: 10 * time.Second}}

	cmd := args[0]
	rest := args[1:]

	var resp response
	var err error

	switch cmd {
	case "status":
		resp, err = cli.call("GetStatus", nil)
	case "agent-status":
		resp, err = cli.call("GetAgentStatus", nil)
	case "version":
		resp, err = cli.call("GetVersion", nil)
	case "evaluate":
		resp, err = cli.call("ComplianceEvaluate", identifierBody(rest))
	case "remediate":
		resp, err = cli.call("ComplianceRemediate", identifierBody(rest))
	case "evaluate-status":
		resp, err = cli.call("GetComplianceEvaluationStatus", identifierBody(rest))
	case "remediate-status":
		resp, err = cli.call("GetComplianceRemediationStatus", identifierBody(rest))
	case "compliance-status":
		noHistory := flag.NewFlagSet("compliance-status", flag.ExitOnError)
		nh := noHistory.Bool("no-history", false, "omit per-module evaluation/remediation history")
		noHistory.Parse(rest)
		resp, err = cli.call("GetComplianceStatus", map[string]bool{"no_history": *nh})
	case "module-status":
		if len(rest) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: compliancectl module-status <identifier>")
			os.Exit(1)
		}
		resp, err = cli.call("ModuleStatus", map[string]string{"identifier": rest[0]})
	case "register":
		fs := flag.NewFlagSet("register", flag.ExitOnError)
		force := fs.Bool("force", false, "re-register even if already registered")
		fs.Parse(rest)
		remaining := fs.Args()
		if len(remaining) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: compliancectl register [-force] <token>")
			os.Exit(1)
		}
		resp, err = cli.call("RegisterWithToken", map[string]interface{}{"token": remaining[0], "force": *force})
	case "registration-status":
		resp, err = cli.call("GetRegistrationStatus", nil)
	case "is-registered":
		resp, err = cli.call("GetIsRegistered", nil)
	case "system-id":
		resp, err = cli.call("GetSystemID", nil)
	case "current-user":
		resp, err = cli.call("GetCurrentUser", nil)
	case "network-status":
		resp, err = cli.call("GetNetworkStatus", nil)
	case "karl-status":
		resp, err = cli.call("GetKARLStatus", nil)
	case "health":
		resp, err = cli.call("GetACMEHealthInfo", nil)
	case "jwt":
		body := map[string]string{}
		if len(rest) > 0 {
			body["duration"] = rest[0]
		}
		resp, err = cli.call("GetJWT", body)
	case "reload":
		resp, err = cli.call("Reload", nil)
	case "reload-modules":
		resp, err = cli.call("ReloadModules", nil)
	case "shutdown":
		resp, err = cli.call("Shutdown", nil)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printResponse(resp)
	if resp.Status == "ERROR" {
		os.Exit(1)
	}
}

func identifierBody(args []string) map[string]string {
	if len(args) == 0 {
		return nil
	}
	return map[string]string{"identifier": args[0]}
}

type response struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

type client struct {
	addr string
	http *http.Client
}

func (c *client) call(command string, body interface{}) (response, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return response{}, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	resp, err := c.http.Post(fmt.Sprintf("http://%s/%s", c.addr, command), "application/json", reader)
	if err != nil {
		return response{}, fmt.Errorf("call %s: %w", command, err)
	}
	defer resp.Body.Close()

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return response{}, fmt.Errorf("decode %s response: %w", command, err)
	}
	return out, nil
}

func printResponse(resp response) {
	fmt.Printf("Status: %s\n", resp.Status)
	if resp.Message != "" {
		fmt.Printf("Message: %s\n", resp.Message)
	}
	if len(resp.Data) > 0 && string(resp.Data) != "null" {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, resp.Data, "", "  "); err == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(string(resp.Data))
		}
	}
}

func printUsage() {
	fmt.Println(`compliancectl - endpoint compliance agent CLI

Usage:
  compliancectl [-addr host:port] <command> [arguments]

Commands:
  status                         Daemon liveness and uptime
  agent-status                   Feature-gated subsystem liveness roll-up
  version                        Agent build version
  evaluate [identifier]          Trigger a compliance evaluation
  remediate [identifier]         Trigger a compliance remediation
  evaluate-status [identifier]   Poll an evaluation started with "evaluate"
  remediate-status [identifier]  Poll a remediation started with "remediate"
  compliance-status [-no-history] Full device/module snapshot
  module-status <identifier>     Single module snapshot
  register [-force] <token>      Register with the central registrar
  registration-status            Poll a registration started with "register"
  is-registered                  Whether this device currently holds an identity
  system-id                      Device UUID
  current-user                   OS user the agent is running as
  network-status                 Current network posture bitset
  karl-status                    Offline telemetry queue depth
  health                         Combined health summary
  jwt [duration]                 Signed posture token (default 1m)
  reload                         Reload configuration, feature controls, and modules
  reload-modules                 Reload compliance modules only
  shutdown                       Stop the daemon`)
}
