package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"
)

var (
	app       = kingpin.New("taskforge", "Task orchestration and delegation CLI")
	serverURL = app.Flag("server", "Server base URL").Default("http://localhost:3200").Envar("TASKFORGE_SERVER").String()
	apiKey    = app.Flag("api-key", "API key").Envar("TASKFORGE_API_KEY").String()

	// Goal commands
	submitCmd       = app.Command("submit", "Submit a goal")
	submitTitle     = submitCmd.Arg("title", "Goal title").Required().String()
	submitObjective = submitCmd.Flag("objective", "What done looks like").String()
	submitTags      = submitCmd.Flag("tag", "Required capability tag").Strings()
	submitSteps     = submitCmd.Flag("step", "Step title (repeatable, ordered)").Strings()
	submitHighRisk  = submitCmd.Flag("high-risk", "Mark the goal high risk").Bool()
	submitTimeout   = submitCmd.Flag("timeout", "Stall timeout in seconds").Int()

	// Task commands
	listCmd    = app.Command("list", "List tasks")
	listStatus = listCmd.Flag("status", "Filter by status").String()

	showCmd = app.Command("show", "Show task details")
	showID  = showCmd.Arg("id", "Task ID").Required().String()

	cancelCmd = app.Command("cancel", "Cancel a task")
	cancelID  = cancelCmd.Arg("id", "Task ID").Required().String()

	confirmCmd      = app.Command("confirm", "Resolve a pending confirmation")
	confirmID       = confirmCmd.Arg("id", "Task ID").Required().String()
	confirmDecision = confirmCmd.Arg("decision", "approve, redirect or abort").Required().Enum("approve", "redirect", "abort")
	confirmRedirect = confirmCmd.Flag("to", "Redirect target worker").String()

	completeCmd     = app.Command("complete", "Report a task completion")
	completeID      = completeCmd.Arg("id", "Task ID").Required().String()
	completeOutcome = completeCmd.Arg("outcome", "SUCCESS, BLOCKED or FAILURE").Required().Enum("SUCCESS", "BLOCKED", "FAILURE")
	completeReason  = completeCmd.Flag("reason", "Blocker or failure reason").String()
	completeRefs    = completeCmd.Flag("ref", "Result reference (repeatable)").Strings()

	eventsCmd = app.Command("events", "Show a task's audit trail")
	eventsID  = eventsCmd.Arg("id", "Task ID").Required().String()

	workersCmd = app.Command("workers", "List registered workers")
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))
	c := &client{baseURL: *serverURL, apiKey: *apiKey}

	var err error
	switch command {
	case submitCmd.FullCommand():
		err = c.submit()
	case listCmd.FullCommand():
		err = c.list()
	case showCmd.FullCommand():
		err = c.show(*showID)
	case cancelCmd.FullCommand():
		err = c.cancel(*cancelID)
	case confirmCmd.FullCommand():
		err = c.confirm(*confirmID, *confirmDecision, *confirmRedirect)
	case completeCmd.FullCommand():
		err = c.complete(*completeID, *completeOutcome, *completeReason, *completeRefs)
	case eventsCmd.FullCommand():
		err = c.events(*eventsID)
	case workersCmd.FullCommand():
		err = c.workers()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	baseURL string
	apiKey  string
}

func (c *client) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+"/api"+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Message != "" {
			return fmt.Errorf("%s: %s", e.Code, e.Message)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type taskView struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Status        string    `json:"status"`
	Mode          string    `json:"mode"`
	Assignee      string    `json:"assignee"`
	BlockedReason string    `json:"blocked_reason"`
	Terminal      bool      `json:"terminal"`
	Version       int64     `json:"version"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (c *client) submit() error {
	goal := map[string]any{
		"title":           *submitTitle,
		"objective":       *submitObjective,
		"required_tags":   *submitTags,
		"high_risk":       *submitHighRisk,
		"timeout_seconds": *submitTimeout,
	}
	if len(*submitSteps) > 0 {
		steps := make([]map[string]any, 0, len(*submitSteps))
		for _, s := range *submitSteps {
			steps = append(steps, map[string]any{"title": s})
		}
		goal["steps"] = steps
	}
	var resp struct {
		TaskIDs []string `json:"task_ids"`
	}
	if err := c.do(http.MethodPost, "/goals", goal, &resp); err != nil {
		return err
	}
	for _, id := range resp.TaskIDs {
		fmt.Println(id)
	}
	return nil
}

func (c *client) list() error {
	path := "/tasks"
	if *listStatus != "" {
		path += "?status=" + *listStatus
	}
	var resp struct {
		Tasks []taskView `json:"tasks"`
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	for _, t := range resp.Tasks {
		fmt.Printf("%s  %s  %s  %s\n", t.ID, colorStatus(t), t.Mode, t.Title)
	}
	return nil
}

func (c *client) show(id string) error {
	var t taskView
	if err := c.do(http.MethodGet, "/tasks/"+id+"/status", nil, &t); err != nil {
		return err
	}
	fmt.Printf("ID:       %s\n", t.ID)
	fmt.Printf("Title:    %s\n", t.Title)
	fmt.Printf("Status:   %s\n", colorStatus(t))
	fmt.Printf("Mode:     %s\n", t.Mode)
	fmt.Printf("Assignee: %s\n", t.Assignee)
	fmt.Printf("Version:  %d\n", t.Version)
	fmt.Printf("Updated:  %s\n", t.UpdatedAt.Format(time.RFC3339))
	if t.BlockedReason != "" {
		fmt.Printf("Blocked:  %s\n", t.BlockedReason)
	}
	return nil
}

func (c *client) cancel(id string) error {
	if err := c.do(http.MethodPost, "/tasks/"+id+"/cancel", struct{}{}, nil); err != nil {
		return err
	}
	fmt.Printf("cancelled %s\n", id)
	return nil
}

func (c *client) confirm(id, decision, redirectTo string) error {
	body := map[string]string{"decision": decision, "redirect_to": redirectTo}
	if err := c.do(http.MethodPost, "/tasks/"+id+"/confirm", body, nil); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", id, decision)
	return nil
}

func (c *client) complete(id, outcome, reason string, refs []string) error {
	body := map[string]any{"outcome": outcome, "reason": reason, "result_refs": refs}
	if err := c.do(http.MethodPost, "/tasks/"+id+"/complete", body, nil); err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", id, outcome)
	return nil
}

func (c *client) events(id string) error {
	var resp struct {
		Events []struct {
			Kind       string    `json:"kind"`
			Timestamp  time.Time `json:"timestamp"`
			Delegation *struct {
				From   string `json:"from"`
				To     string `json:"to"`
				Mode   string `json:"mode"`
				Reason string `json:"reason"`
			} `json:"delegation"`
			Escalation *struct {
				CauseKind  string `json:"cause_kind"`
				Confidence string `json:"confidence"`
				Decision   string `json:"decision"`
				Target     string `json:"target"`
			} `json:"escalation"`
		} `json:"events"`
	}
	if err := c.do(http.MethodGet, "/tasks/"+id+"/events", nil, &resp); err != nil {
		return err
	}
	for _, e := range resp.Events {
		ts := e.Timestamp.Format(time.RFC3339)
		switch {
		case e.Delegation != nil:
			fmt.Printf("%s  %s  %s -> %s (%s) %s\n",
				ts, color.CyanString("delegation"), e.Delegation.From, e.Delegation.To, e.Delegation.Mode, e.Delegation.Reason)
		case e.Escalation != nil:
			fmt.Printf("%s  %s  %s [%s] %s -> %s\n",
				ts, color.YellowString("escalation"), e.Escalation.CauseKind, e.Escalation.Confidence, e.Escalation.Decision, e.Escalation.Target)
		default:
			fmt.Printf("%s  %s\n", ts, e.Kind)
		}
	}
	return nil
}

func (c *client) workers() error {
	var resp struct {
		Workers []struct {
			Slug              string   `json:"slug"`
			CapabilityTags    []string `json:"capability_tags"`
			Domain            string   `json:"domain"`
			EscalationTargets []string `json:"escalation_targets"`
		} `json:"workers"`
	}
	if err := c.do(http.MethodGet, "/workers", nil, &resp); err != nil {
		return err
	}
	for _, w := range resp.Workers {
		fmt.Printf("%s  %v  domain=%s  escalates-to=%v\n", w.Slug, w.CapabilityTags, w.Domain, w.EscalationTargets)
	}
	return nil
}

func colorStatus(t taskView) string {
	switch t.Status {
	case "DONE":
		return color.GreenString(t.Status)
	case "IN_PROGRESS":
		return color.CyanString(t.Status)
	case "REVIEW":
		return color.BlueString(t.Status)
	case "BLOCKED":
		if t.Terminal {
			return color.RedString(t.Status)
		}
		return color.YellowString(t.Status)
	default:
		return t.Status
	}
}
