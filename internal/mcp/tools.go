package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexconverge/internal/jobs"
	"github.com/fyrsmithlabs/lexconverge/internal/reference"
)

func (s *Server) registerTools() {
	s.registerExtractTool()
	s.registerJobTools()
}

// track records one tool invocation; call the returned func with the
// tool's final error.
func (s *Server) track(ctx context.Context, tool string) func(error) {
	start := time.Now()
	s.metrics.IncrementActive(ctx, tool)
	return func(err error) {
		s.metrics.DecrementActive(ctx, tool)
		s.metrics.RecordInvocation(ctx, tool, time.Since(start), err)
		if err != nil {
			s.logger.Debug("tool failed", zap.String("tool", tool), zap.Error(err))
		}
	}
}

// ===== OUTPUT TYPES =====

type referenceOutput struct {
	Key         string   `json:"canonical_key" jsonschema:"Deduplication key"`
	Kind        string   `json:"kind" jsonschema:"article, law, royal-decree, regulation, directive, decision or unresolved"`
	LawTitle    string   `json:"law_title,omitempty" jsonschema:"Full title of the cited law"`
	Article     string   `json:"article,omitempty" jsonschema:"Article number"`
	Confidence  int      `json:"confidence" jsonschema:"Final confidence 0-100"`
	Validation  string   `json:"validation_status" jsonschema:"validated, not_found, unvalidated or error"`
	ExternalURL string   `json:"external_url,omitempty" jsonschema:"Official gazette or register URL"`
	Agents      []string `json:"agents" jsonschema:"Extraction agents that found the reference"`
	NeedsReview bool     `json:"needs_review" jsonschema:"True when a human should check the entry"`
	Accepted    bool     `json:"accepted" jsonschema:"True when confidence reached the acceptance threshold"`
}

func toReferenceOutput(ref reference.CanonicalReference) referenceOutput {
	return referenceOutput{
		Key:         string(ref.CanonicalKey),
		Kind:        string(ref.Kind),
		LawTitle:    ref.LawTitleFull,
		Article:     ref.ArticleNumber,
		Confidence:  ref.FinalConfidence,
		Validation:  string(ref.ValidationStatus),
		ExternalURL: ref.ExternalURL,
		Agents:      append([]string{}, ref.CorroboratingAgents...),
		NeedsReview: ref.NeedsReview,
		Accepted:    ref.Accepted,
	}
}

type jobOutput struct {
	JobID        string            `json:"job_id" jsonschema:"Job identifier"`
	Status       string            `json:"status" jsonschema:"pending, running, completed, failed or cancelled"`
	CurrentPhase string            `json:"current_phase" jsonschema:"Human-readable phase label"`
	Round        int               `json:"round" jsonschema:"Current convergence round"`
	Progress     float64           `json:"progress" jsonschema:"Progress percentage 0-100"`
	Error        string            `json:"error,omitempty" jsonschema:"Failure reason"`
	Total        int               `json:"total" jsonschema:"Canonical references found"`
	Accepted     int               `json:"accepted" jsonschema:"References above the acceptance threshold"`
	Quality      string            `json:"quality,omitempty" jsonschema:"Audit level: excellent, good, acceptable or needs_review"`
	Problems     []string          `json:"problems,omitempty" jsonschema:"Audit findings"`
	References   []referenceOutput `json:"references,omitempty" jsonschema:"Accepted references, or all with include_all"`
}

// toJobOutput renders a job; references are only present once completed.
func toJobOutput(j jobs.Job, includeAll bool) jobOutput {
	out := jobOutput{
		JobID:        j.ID,
		Status:       string(j.Status),
		CurrentPhase: j.CurrentPhase,
		Round:        j.Round,
		Progress:     j.Progress,
		Error:        j.Error,
	}
	if j.Status != jobs.StatusCompleted {
		return out
	}

	refs := j.Accepted()
	if includeAll {
		refs = j.Result
	}
	out.Total = len(j.Result)
	out.Accepted = len(j.Accepted())
	out.References = make([]referenceOutput, 0, len(refs))
	for _, r := range refs {
		out.References = append(out.References, toReferenceOutput(r))
	}
	if j.Audit != nil {
		out.Quality = string(j.Audit.Level)
		for _, p := range j.Audit.Problems {
			out.Problems = append(out.Problems, p.Description)
		}
	}
	return out
}

func (o jobOutput) text() string {
	switch o.Status {
	case string(jobs.StatusCompleted):
		return fmt.Sprintf("Job %s completed: %d references, %d accepted", o.JobID, o.Total, o.Accepted)
	case string(jobs.StatusFailed):
		return fmt.Sprintf("Job %s failed: %s", o.JobID, o.Error)
	default:
		return fmt.Sprintf("Job %s %s (%.0f%%, %s)", o.JobID, o.Status, o.Progress, o.CurrentPhase)
	}
}

// ===== EXTRACTION TOOL =====

type extractInput struct {
	Text                 string `json:"text" jsonschema:"Plain text of the document"`
	MaxRounds            *int   `json:"max_rounds,omitempty" jsonschema:"Convergence round cap, 1-10"`
	MaxWorkers           *int   `json:"max_workers,omitempty" jsonschema:"Validation concurrency, 1-8"`
	AcceptanceThreshold  *int   `json:"acceptance_threshold,omitempty" jsonschema:"Minimum confidence to accept, 50-95"`
	UseContextResolution *bool  `json:"use_context_resolution,omitempty" jsonschema:"Resolve anaphora such as 'la presente ley'"`
	UseInference         *bool  `json:"use_inference,omitempty" jsonschema:"Infer the law of bare article mentions"`
	TextLimit            *int   `json:"text_limit,omitempty" jsonschema:"Truncate the text to this many characters"`
	Wait                 bool   `json:"wait,omitempty" jsonschema:"Block until the job finishes"`
	WaitSeconds          int    `json:"wait_seconds,omitempty" jsonschema:"Maximum seconds to wait; capped by the server"`
	IncludeAll           bool   `json:"include_all,omitempty" jsonschema:"Return every reference, not only accepted ones"`
}

func (in extractInput) request() jobs.Request {
	return jobs.Request{
		Text: in.Text,
		Options: jobs.Options{
			MaxRounds:            in.MaxRounds,
			MaxWorkers:           in.MaxWorkers,
			AcceptanceThreshold:  in.AcceptanceThreshold,
			UseContextResolution: in.UseContextResolution,
			UseInference:         in.UseInference,
			TextLimit:            in.TextLimit,
		},
	}
}

func (s *Server) waitFor(seconds int) time.Duration {
	d := time.Duration(seconds) * time.Second
	if d <= 0 || d > s.config.MaxWait {
		return s.config.MaxWait
	}
	return d
}

func (s *Server) registerExtractTool() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "extract_references",
		Description: "Extract, validate and rank legal references in a document. Starts a job; with wait=true returns its result.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args extractInput) (*mcp.CallToolResult, jobOutput, error) {
		var toolErr error
		done := s.track(ctx, "extract_references")
		defer func() { done(toolErr) }()

		id, err := s.jobs.Create(ctx, args.request())
		if err != nil {
			toolErr = fmt.Errorf("create job: %w", err)
			return nil, jobOutput{}, toolErr
		}

		job, err := s.jobs.Get(id)
		if args.Wait {
			wctx, cancel := context.WithTimeout(ctx, s.waitFor(args.WaitSeconds))
			job, err = s.jobs.Wait(wctx, id)
			cancel()
			if errors.Is(err, context.DeadlineExceeded) {
				// Still running; report the latest snapshot.
				job, err = s.jobs.Get(id)
			}
		}
		if err != nil {
			toolErr = fmt.Errorf("job %s: %w", id, err)
			return nil, jobOutput{}, toolErr
		}

		out := toJobOutput(job, args.IncludeAll)
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: out.text()}},
		}, out, nil
	})
}

// ===== JOB TOOLS =====

type jobStatusInput struct {
	JobID      string `json:"job_id" jsonschema:"Job identifier"`
	IncludeAll bool   `json:"include_all,omitempty" jsonschema:"Return every reference, not only accepted ones"`
}

type jobCancelInput struct {
	JobID string `json:"job_id" jsonschema:"Job identifier"`
}

type jobCancelOutput struct {
	JobID  string `json:"job_id" jsonschema:"Job identifier"`
	Status string `json:"status" jsonschema:"Status after the request"`
}

type jobListInput struct {
	Status string `json:"status,omitempty" jsonschema:"Only list jobs in this status"`
}

type jobSummaryOutput struct {
	JobID        string  `json:"job_id" jsonschema:"Job identifier"`
	Status       string  `json:"status" jsonschema:"Job status"`
	CurrentPhase string  `json:"current_phase" jsonschema:"Human-readable phase label"`
	Progress     float64 `json:"progress" jsonschema:"Progress percentage 0-100"`
	Total        int     `json:"total" jsonschema:"Canonical references found"`
	Accepted     int     `json:"accepted" jsonschema:"References above the acceptance threshold"`
	Error        string  `json:"error,omitempty" jsonschema:"Failure reason"`
	CreatedAt    string  `json:"created_at" jsonschema:"Creation time, RFC 3339"`
}

type jobListOutput struct {
	Jobs  []jobSummaryOutput `json:"jobs" jsonschema:"Job summaries, oldest first"`
	Count int                `json:"count" jsonschema:"Number of jobs returned"`
}

func (s *Server) registerJobTools() {
	// job_status
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "job_status",
		Description: "Get the status, progress and (when completed) the references of a job",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args jobStatusInput) (*mcp.CallToolResult, jobOutput, error) {
		var toolErr error
		done := s.track(ctx, "job_status")
		defer func() { done(toolErr) }()

		job, err := s.jobs.Get(args.JobID)
		if err != nil {
			toolErr = fmt.Errorf("job %s: %w", args.JobID, err)
			return nil, jobOutput{}, toolErr
		}
		out := toJobOutput(job, args.IncludeAll)
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: out.text()}},
		}, out, nil
	})

	// job_cancel
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "job_cancel",
		Description: "Cancel a pending or running job; partial results are discarded",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args jobCancelInput) (*mcp.CallToolResult, jobCancelOutput, error) {
		var toolErr error
		done := s.track(ctx, "job_cancel")
		defer func() { done(toolErr) }()

		if err := s.jobs.Cancel(args.JobID); err != nil {
			toolErr = fmt.Errorf("cancel job %s: %w", args.JobID, err)
			return nil, jobCancelOutput{}, toolErr
		}
		s.logger.Info("job cancelled via mcp", zap.String("job_id", args.JobID))
		out := jobCancelOutput{JobID: args.JobID, Status: string(jobs.StatusCancelled)}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Job %s cancelled", args.JobID)}},
		}, out, nil
	})

	// job_list
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "job_list",
		Description: "List jobs with their status and progress",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args jobListInput) (*mcp.CallToolResult, jobListOutput, error) {
		var toolErr error
		done := s.track(ctx, "job_list")
		defer func() { done(toolErr) }()

		filter := jobs.Status(args.Status)
		if filter != "" && !filter.Valid() {
			toolErr = fmt.Errorf("invalid status %q", args.Status)
			return nil, jobListOutput{}, toolErr
		}

		out := jobListOutput{Jobs: []jobSummaryOutput{}}
		for _, j := range s.jobs.List() {
			if filter != "" && j.Status != filter {
				continue
			}
			sum := j.Summary()
			out.Jobs = append(out.Jobs, jobSummaryOutput{
				JobID:        sum.ID,
				Status:       string(sum.Status),
				CurrentPhase: sum.CurrentPhase,
				Progress:     sum.Progress,
				Total:        sum.Total,
				Accepted:     sum.Accepted,
				Error:        sum.Error,
				CreatedAt:    sum.CreatedAt.Format(time.RFC3339),
			})
		}
		out.Count = len(out.Jobs)
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Found %d jobs", out.Count)}},
		}, out, nil
	})
}
