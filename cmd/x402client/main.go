// x402client is a CLI tool for exercising the x402 gateway flows.
// Each command performs a single operation, making it composable for scripts.
//
// Commands:
//
//	x402client session -gw URL -agent DID [-app ID]
//	x402client trace -gw URL -sid SID -task TEXT [-events a,b]
//	x402client headers [-tid TID] [-traceparent TP] [-mandate-ref KEY -mandate-file PATH]
//	x402client evidence -mandate-ref KEY -mandate-file PATH
//	x402client verify -gw URL -sid SID -body FILE [-tid TID] [-payment X] [-evidence E]
//	x402client settle -gw URL -body FILE [-sid SID] [-tid TID] [-payment X] [-evidence E]
//	x402client mandate -gw URL -file PATH [-merchant ID]
//
// Examples:
//
//	SID=$(x402client session -agent did:web:agent.example -q)
//	TID=$(x402client trace -sid $SID -task "buy weather data" -q)
//	REF=$(x402client mandate -file mandate.json -merchant shop -q)
//	x402client verify -sid $SID -tid $TID -body payment.json -mandate-ref $REF -mandate-file mandate.json
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"x402-gateway/internal/gateway"
	"x402-gateway/internal/headers"
	"x402-gateway/internal/mandate"
)

var client = &http.Client{Timeout: 30 * time.Second}

// Global flags (apply to all commands)
var (
	gatewayURL string
	quiet      bool
	noColor    bool
	verbose    bool
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "session":
		runSession(args)
	case "trace":
		runTrace(args)
	case "headers":
		runHeaders(args)
	case "evidence":
		runEvidence(args)
	case "verify":
		runPayment("verify", args)
	case "settle":
		runPayment("settle", args)
	case "mandate":
		runMandate(args)
	case "-h", "-help", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `x402client - x402 gateway test tool

Usage:
  x402client <command> [options]

Commands:
  session   Open a risk session
  trace     Record an agent trace against a session
  headers   Build X-PAYMENT-SECURE (and X-AP2-EVIDENCE) locally
  evidence  Build X-AP2-EVIDENCE for a mandate file
  verify    Send a payment through /x402/verify
  settle    Send a payment through /x402/settle
  mandate   Upload a mandate document

Examples:
  # Open a session and record a trace
  SID=$(x402client session -agent did:web:agent.example -q)
  TID=$(x402client trace -sid "$SID" -task "buy weather data" -q)

  # Upload a mandate and verify a payment that references it
  REF=$(x402client mandate -file mandate.json -merchant shop -q)
  x402client verify -sid "$SID" -tid "$TID" -body payment.json \
      -mandate-ref "$REF" -mandate-file mandate.json

Run 'x402client <command> -h' for command-specific options.
`)
}

// commonFlags registers the flags every command shares.
func commonFlags(fs *flag.FlagSet, quietHelp string) {
	fs.StringVar(&gatewayURL, "gw", "http://localhost:8080", "Gateway base URL")
	fs.BoolVar(&quiet, "q", false, "Quiet mode - "+quietHelp)
	fs.BoolVar(&noColor, "no-color", false, "Disable colored output")
	fs.BoolVar(&verbose, "v", false, "Verbose - show full request/response")
}

func parse(fs *flag.FlagSet, args []string, usage string) {
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: x402client %s [options]\n\nOptions:\n", usage)
		fs.PrintDefaults()
	}
	fs.Parse(args)
	if noColor {
		color.NoColor = true
	}
}

// =============================================================================
// SESSION COMMAND
// =============================================================================

func runSession(args []string) {
	fs := flag.NewFlagSet("session", flag.ExitOnError)
	commonFlags(fs, "only output the sid")
	var agentDID, appID string
	fs.StringVar(&agentDID, "agent", "", "Agent DID (required)")
	fs.StringVar(&appID, "app", "", "Calling application id")
	parse(fs, args, "session -agent DID")

	if agentDID == "" {
		fs.Usage()
		os.Exit(1)
	}

	reqBody := map[string]any{"agent_did": agentDID}
	if appID != "" {
		reqBody["app_id"] = appID
	}

	resp := mustOK(doJSON("POST", "/risk/session", reqBody, nil))
	sid, _ := resp.JSON["sid"].(string)
	if quiet {
		fmt.Println(sid)
		return
	}
	printSuccess("Session created")
	fmt.Printf("  SID: %s\n", cyan(sid))
	if exp, ok := resp.JSON["expires_at"].(string); ok {
		fmt.Printf("  Expires: %s\n", exp)
	}
}

// =============================================================================
// TRACE COMMAND
// =============================================================================

func runTrace(args []string) {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	commonFlags(fs, "only output the tid")
	var sid, task, events string
	fs.StringVar(&sid, "sid", "", "Risk session id (required)")
	fs.StringVar(&task, "task", "", "What the agent was asked to do")
	fs.StringVar(&events, "events", "user_input,agent_plan,tool_call", "Comma-separated event types")
	parse(fs, args, "trace -sid SID")

	if sid == "" {
		fs.Usage()
		os.Exit(1)
	}

	reqBody := map[string]any{"sid": sid}
	if task != "" {
		var evs []map[string]any
		for _, typ := range strings.Split(events, ",") {
			if typ = strings.TrimSpace(typ); typ != "" {
				evs = append(evs, map[string]any{"type": typ, "ts": time.Now().UTC().Format(time.RFC3339)})
			}
		}
		reqBody["agent_trace"] = map[string]any{"task": task, "events": evs}
	}

	resp := mustOK(doJSON("POST", "/risk/trace", reqBody, nil))
	tid, _ := resp.JSON["tid"].(string)
	if quiet {
		fmt.Println(tid)
		return
	}
	printSuccess("Trace recorded")
	fmt.Printf("  TID: %s\n", cyan(tid))
}

// =============================================================================
// HEADERS / EVIDENCE COMMANDS
// =============================================================================

func runHeaders(args []string) {
	fs := flag.NewFlagSet("headers", flag.ExitOnError)
	commonFlags(fs, "print header lines only")
	var tid, traceparent, mandateRef, mandateFile string
	fs.StringVar(&tid, "tid", "", "Agent trace id to carry in tracestate")
	fs.StringVar(&traceparent, "traceparent", "", "Existing traceparent (new trace when empty)")
	fs.StringVar(&mandateRef, "mandate-ref", "", "Mandate key or https URL")
	fs.StringVar(&mandateFile, "mandate-file", "", "Local copy of the mandate (hash and size)")
	parse(fs, args, "headers")

	secure, err := buildPaymentSecure(tid, traceparent)
	if err != nil {
		fatal("%v", err)
	}
	printHeader(headers.HeaderPaymentSecure, secure)

	if mandateRef != "" {
		ev, err := buildEvidence(mandateRef, mandateFile)
		if err != nil {
			fatal("%v", err)
		}
		printHeader(headers.HeaderEvidence, ev)
	}
}

func runEvidence(args []string) {
	fs := flag.NewFlagSet("evidence", flag.ExitOnError)
	commonFlags(fs, "print the header value only")
	var mandateRef, mandateFile string
	fs.StringVar(&mandateRef, "mandate-ref", "", "Mandate key or https URL (required)")
	fs.StringVar(&mandateFile, "mandate-file", "", "Local copy of the mandate (required)")
	parse(fs, args, "evidence -mandate-ref KEY -mandate-file PATH")

	if mandateRef == "" || mandateFile == "" {
		fs.Usage()
		os.Exit(1)
	}
	ev, err := buildEvidence(mandateRef, mandateFile)
	if err != nil {
		fatal("%v", err)
	}
	if quiet {
		fmt.Println(ev)
		return
	}
	printHeader(headers.HeaderEvidence, ev)
}

func buildPaymentSecure(tid, traceparent string) (string, error) {
	tc := headers.NewTraceContext(tid)
	if traceparent != "" {
		parsed, err := headers.ParseTraceparent(traceparent)
		if err != nil {
			return "", fmt.Errorf("traceparent: %w", err)
		}
		parsed.TraceState = tc.TraceState
		tc = parsed
	}
	return headers.EncodePaymentSecure(tc), nil
}

func buildEvidence(ref, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("-mandate-file is required with -mandate-ref")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading mandate: %w", err)
	}
	ev := headers.EncodeEvidence(headers.EvidenceRecord{
		MandateRef:  ref,
		ContentHash: mandate.ContentHash(data),
		SizeBytes:   int64(len(data)),
	})
	if _, err := headers.ParseEvidence(ev); err != nil {
		return "", err
	}
	return ev, nil
}

// =============================================================================
// VERIFY / SETTLE COMMANDS
// =============================================================================

func runPayment(op string, args []string) {
	fs := flag.NewFlagSet(op, flag.ExitOnError)
	commonFlags(fs, "only output the outcome")
	var sid, tid, bodyFile, payment, evidence, mandateRef, mandateFile, claims string
	fs.StringVar(&sid, "sid", "", "Risk session id (X-RISK-SESSION)")
	fs.StringVar(&tid, "tid", "", "Agent trace id (X-RISK-TRACE and tracestate)")
	fs.StringVar(&bodyFile, "body", "", "JSON file with paymentPayload and paymentRequirements (required)")
	fs.StringVar(&payment, "payment", "", "Raw X-PAYMENT header value")
	fs.StringVar(&evidence, "evidence", "", "Raw X-AP2-EVIDENCE header value")
	fs.StringVar(&mandateRef, "mandate-ref", "", "Build X-AP2-EVIDENCE from this reference")
	fs.StringVar(&mandateFile, "mandate-file", "", "Local copy of the mandate for -mandate-ref")
	fs.StringVar(&claims, "claims", "", "Encoded evidence claims (X-AP2-EVIDENCE-CLAIMS)")
	parse(fs, args, op+" -body FILE")

	if bodyFile == "" {
		fs.Usage()
		os.Exit(1)
	}
	body, err := os.ReadFile(bodyFile)
	if err != nil {
		fatal("Reading body: %v", err)
	}
	if !json.Valid(body) {
		fatal("Body is not valid JSON: %s", bodyFile)
	}

	h := http.Header{}
	secure, err := buildPaymentSecure(tid, "")
	if err != nil {
		fatal("%v", err)
	}
	h.Set(headers.HeaderPaymentSecure, secure)
	if sid != "" {
		h.Set(headers.HeaderRiskSession, sid)
	}
	if tid != "" {
		h.Set(headers.HeaderRiskTrace, tid)
	}
	if payment != "" {
		h.Set(headers.HeaderPayment, payment)
	}
	if mandateRef != "" {
		if evidence, err = buildEvidence(mandateRef, mandateFile); err != nil {
			fatal("%v", err)
		}
	}
	if evidence != "" {
		h.Set(headers.HeaderEvidence, evidence)
	}
	if claims != "" {
		h.Set(gateway.HeaderEvidenceClaims, claims)
	}

	resp, err := doRaw("POST", "/x402/"+op, body, h)
	if err != nil {
		fatal("Request failed: %v", err)
	}

	decision := resp.Header.Get(gateway.HeaderRiskDecision)
	if quiet {
		if resp.Status >= 400 {
			fmt.Println(errorCode(resp.JSON))
			os.Exit(2)
		}
		fmt.Println(outcome(op, resp.JSON))
		return
	}

	if decision != "" {
		fmt.Printf("  Decision: %s", decisionColor(decision))
		if id := resp.Header.Get(gateway.HeaderRiskDecisionID); id != "" {
			fmt.Printf(" %s", gray(id))
		}
		fmt.Println()
	}
	printList("Reasons", resp.Header.Get(gateway.HeaderRiskReasons), red)
	printList("Warnings", resp.Header.Get(gateway.HeaderRiskWarnings), yellow)

	if resp.Status >= 400 {
		printError("%s failed: %s", op, errorCode(resp.JSON))
		os.Exit(2)
	}
	printSuccess("%s: %s", op, outcome(op, resp.JSON))
}

// outcome summarizes a facilitator response.
func outcome(op string, body map[string]any) string {
	if op == "settle" {
		if ok, _ := body["success"].(bool); ok {
			tx, _ := body["transaction"].(string)
			return "settled " + tx
		}
		reason, _ := body["errorReason"].(string)
		return "not settled (" + reason + ")"
	}
	if ok, _ := body["isValid"].(bool); ok {
		return "valid"
	}
	reason, _ := body["invalidReason"].(string)
	return "invalid (" + reason + ")"
}

func errorCode(body map[string]any) string {
	errObj, _ := body["error"].(map[string]any)
	code, _ := errObj["code"].(string)
	msg, _ := errObj["message"].(string)
	if code == "" {
		return "unknown error"
	}
	return code + ": " + msg
}

func decisionColor(d string) string {
	switch d {
	case "allow":
		return green(d)
	case "deny":
		return red(d)
	default:
		return yellow(d)
	}
}

// printList shows a structured-field string list header.
func printList(label, value string, paint func(a ...any) string) {
	if value == "" {
		return
	}
	items, err := gateway.ParseStringList(value)
	if err != nil {
		fmt.Printf("  %s: %s\n", label, value)
		return
	}
	fmt.Printf("  %s:\n", label)
	for _, it := range items {
		fmt.Printf("    - %s\n", paint(it))
	}
}

// =============================================================================
// MANDATE COMMAND
// =============================================================================

func runMandate(args []string) {
	fs := flag.NewFlagSet("mandate", flag.ExitOnError)
	commonFlags(fs, "only output the mandate reference")
	var file, merchant string
	fs.StringVar(&file, "file", "", "Mandate JSON file (required)")
	fs.StringVar(&merchant, "merchant", "default", "Merchant id")
	parse(fs, args, "mandate -file PATH")

	if file == "" {
		fs.Usage()
		os.Exit(1)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		fatal("Reading mandate: %v", err)
	}

	h := http.Header{}
	h.Set("X-Merchant-ID", merchant)
	resp := mustOK(doRaw("POST", "/mandates", data, h))

	ref, _ := resp.JSON["mandateRef"].(string)
	if quiet {
		fmt.Println(ref)
		return
	}
	printSuccess("Mandate stored")
	fmt.Printf("  Ref:  %s\n", cyan(ref))
	if hash, ok := resp.JSON["contentHashB64url"].(string); ok {
		fmt.Printf("  Hash: %s\n", hash)
	}
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

type response struct {
	Status int
	Header http.Header
	JSON   map[string]any
}

func doJSON(method, path string, body any, h http.Header) (*response, error) {
	reqJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	return doRaw(method, path, reqJSON, h)
}

func doRaw(method, path string, body []byte, h http.Header) (*response, error) {
	req, err := http.NewRequest(method, strings.TrimSuffix(gatewayURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range h {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if !quiet {
		printRequest(method, path, req.Header, body)
	}

	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if !quiet {
		printResponse(resp.StatusCode, respBody, duration)
	}

	out := &response{Status: resp.StatusCode, Header: resp.Header}
	if err := json.Unmarshal(respBody, &out.JSON); err != nil {
		return nil, fmt.Errorf("HTTP %d: parsing response: %w", resp.StatusCode, err)
	}
	return out, nil
}

// mustOK exits unless the call returned a 2xx.
func mustOK(resp *response, err error) *response {
	if err != nil {
		fatal("%v", err)
	}
	if resp.Status >= 400 {
		fatal("HTTP %d: %s", resp.Status, errorCode(resp.JSON))
	}
	return resp
}

// =============================================================================
// OUTPUT HELPERS
// =============================================================================

func printRequest(method, path string, h http.Header, body []byte) {
	fmt.Printf("\n%s %s\n", yellow("▶ REQUEST"), bold(method+" "+path))
	if verbose {
		for k := range h {
			fmt.Printf("  %s: %s\n", gray(k), h.Get(k))
		}
	}
	if body != nil {
		printJSON(body, "  ")
	}
}

func printResponse(status int, body []byte, duration time.Duration) {
	statusText := green(status)
	if status >= 400 {
		statusText = red(status)
	}
	fmt.Printf("\n%s %s (%v)\n", cyan("◀ RESPONSE"), statusText, duration)
	printJSON(body, "  ")
}

func printJSON(data []byte, prefix string) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, prefix, "  "); err != nil {
		fmt.Printf("%s%s\n", prefix, string(data))
		return
	}

	output := pretty.String()
	if !verbose {
		lines := strings.Split(output, "\n")
		if len(lines) > 30 {
			lines = append(lines[:25], fmt.Sprintf("%s  %s", prefix, gray(fmt.Sprintf("(%d more lines, use -v for full output)", len(lines)-25))))
			output = strings.Join(lines, "\n")
		}
	}
	fmt.Println(output)
}

func printHeader(name, value string) {
	if quiet {
		fmt.Printf("%s: %s\n", name, value)
		return
	}
	fmt.Printf("%s: %s\n", cyan(name), value)
}

func printSuccess(format string, args ...any) {
	if !quiet {
		fmt.Println(green("✓ " + fmt.Sprintf(format, args...)))
	}
}

func printError(format string, args ...any) {
	fmt.Println(red("✗ " + fmt.Sprintf(format, args...)))
}

func fatal(format string, args ...any) {
	fmt.Fprintln(os.Stderr, red("✗ "+fmt.Sprintf(format, args...)))
	os.Exit(1)
}
