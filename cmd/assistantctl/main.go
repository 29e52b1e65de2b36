package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/praj33/ai-assistant-backend/pkg/models"
)

// Testable variables for main()
var osExit = os.Exit

var httpClient = &http.Client{Timeout: 15 * time.Second}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "assist":
		return assist(args[1:], out)
	case "trace":
		return traceAudit(args[1:], out)
	case "validate":
		return validateArtifact(args[1:], out)
	case "threats":
		return threatCatalog(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "assistantctl commands:")
	fmt.Fprintln(out, "  assist --message \"hello\" [--session s-1] [--url http://localhost:8090] [--token <jwt>]")
	fmt.Fprintln(out, "  trace --trace trace_abc123 [--url ...] [--token ...]")
	fmt.Fprintln(out, "  validate --artifact <artifact-id> [--url ...] [--token ...]")
	fmt.Fprintln(out, "  threats [--url ...] [--token ...]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func assist(args []string, out io.Writer) error {
	fs := newFlagSet("assist")
	url := fs.String("url", "http://localhost:8090", "assistant base url")
	message := fs.String("message", "", "message text")
	session := fs.String("session", "", "session id")
	token := fs.String("token", "", "bearer token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *message == "" {
		return errors.New("message required")
	}
	body, err := json.Marshal(models.AssistantRequest{
		Version: models.ContractVersion,
		Input:   models.AssistantInput{Message: *message},
		Context: models.AssistantContext{Platform: "cli", Device: "assistantctl", SessionID: *session},
	})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, *url+"/api/assistant", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(req, *token, out)
}

func traceAudit(args []string, out io.Writer) error {
	fs := newFlagSet("trace")
	url := fs.String("url", "http://localhost:8090", "assistant base url")
	trace := fs.String("trace", "", "trace id")
	token := fs.String("token", "", "bearer token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *trace == "" {
		return errors.New("trace required")
	}
	req, err := http.NewRequest(http.MethodGet, *url+"/v1/traces/"+*trace+"/audit", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return doJSON(req, *token, out)
}

func validateArtifact(args []string, out io.Writer) error {
	fs := newFlagSet("validate")
	url := fs.String("url", "http://localhost:8090", "assistant base url")
	artifact := fs.String("artifact", "", "artifact id")
	token := fs.String("token", "", "bearer token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *artifact == "" {
		return errors.New("artifact required")
	}
	req, err := http.NewRequest(http.MethodGet, *url+"/v1/audit/validate/"+*artifact, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return doJSON(req, *token, out)
}

func threatCatalog(args []string, out io.Writer) error {
	fs := newFlagSet("threats")
	url := fs.String("url", "http://localhost:8090", "assistant base url")
	token := fs.String("token", "", "bearer token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodGet, *url+"/v1/threats", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return doJSON(req, *token, out)
}

func doJSON(req *http.Request, token string, out io.Writer) error {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		// Not JSON, print as-is.
		fmt.Fprintf(out, "%s\n", raw)
	} else {
		fmt.Fprintf(out, "%s\n", pretty.Bytes())
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}
