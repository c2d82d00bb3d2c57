package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/cihq/internal/jobs"
	"github.com/kalambet/cihq/internal/proxy"
	"github.com/kalambet/cihq/internal/report"
	"github.com/kalambet/cihq/internal/snapshot"
	"github.com/kalambet/cihq/internal/storage"
)

const (
	// historyTurns is how many stored turns are replayed into a chat request.
	historyTurns = 10

	threadTitleLen = 60

	emptyResponse = "No response generated"
)

// ChatRequest is one user question. References name report ids to answer
// from; with none, relevant reports are discovered. ThreadID continues a
// stored conversation; History is used only when no thread is given.
type ChatRequest struct {
	Message    string          `json:"message"`
	References []string        `json:"referencedDocs,omitempty"`
	ThreadID   string          `json:"threadId,omitempty"`
	History    []proxy.Message `json:"conversationHistory,omitempty"`
}

type DocumentRef struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Domain string `json:"domain"`
}

type ChatResult struct {
	Response      string        `json:"response"`
	ThreadID      string        `json:"threadId"`
	DocumentsUsed []DocumentRef `json:"documentsUsed"`
}

type chatCall struct {
	req      proxy.CompletionRequest
	threadID string
	docs     []DocumentRef
}

// Chat answers a question from the user's reports.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	call, err := s.prepareChat(ctx, req)
	if err != nil {
		return ChatResult{}, err
	}

	cctx, cancel := context.WithTimeout(ctx, s.limits.CompletionTimeout)
	defer cancel()
	text, err := s.deps.LLM.Complete(cctx, call.req)
	if err != nil {
		return ChatResult{}, err
	}
	return s.finishChat(strings.TrimSpace(req.Message), text, call)
}

// StartChatStream runs a chat as a job whose progress events carry the
// response deltas. The terminal event holds the full ChatResult.
func (s *Service) StartChatStream(ctx context.Context, req ChatRequest) (jobs.Job, error) {
	if strings.TrimSpace(req.Message) == "" {
		return jobs.Job{}, ErrEmptyMessage
	}
	return s.deps.Jobs.Start(ctx, jobs.KindChatStream, "", func(ctx context.Context, progress func(string)) (any, error) {
		call, err := s.prepareChat(ctx, req)
		if err != nil {
			return nil, err
		}
		cctx, cancel := context.WithTimeout(ctx, s.limits.CompletionTimeout)
		defer cancel()
		text, err := s.deps.LLM.Stream(cctx, call.req, func(delta string) error {
			progress(delta)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return s.finishChat(strings.TrimSpace(req.Message), text, call)
	})
}

func (s *Service) prepareChat(ctx context.Context, req ChatRequest) (chatCall, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return chatCall{}, ErrEmptyMessage
	}
	s.recordUsage()

	docs := s.chatDocuments(ctx, message, req.References)

	cfg, err := s.deps.Settings.Get()
	if err != nil {
		return chatCall{}, fmt.Errorf("loading settings: %w", err)
	}
	opts := cfg.PromptOptions()
	opts.Referenced = docs
	opts.Query = message

	threadID, history, err := s.thread(ctx, req, message)
	if err != nil {
		return chatCall{}, err
	}

	call := chatCall{
		req: proxy.CompletionRequest{
			Model:       cfg.InitialModel,
			Messages:    s.deps.Prompts.BuildChat(message, history, opts),
			MaxTokens:   s.limits.ChatMaxTokens,
			Temperature: proxy.Temp(s.limits.ChatTemperature),
		},
		threadID: threadID,
		docs:     make([]DocumentRef, 0, len(docs)),
	}
	for _, d := range docs {
		call.docs = append(call.docs, DocumentRef{ID: d.ID, Title: d.Title, URL: d.URL, Domain: d.Domain})
	}
	return call, nil
}

// chatDocuments resolves the referenced reports, or discovers relevant ones
// when none are referenced. Failures degrade to answering without documents.
func (s *Service) chatDocuments(ctx context.Context, message string, refs []string) []report.Report {
	if s.deps.Retriever == nil {
		return nil
	}
	var (
		docs []report.Report
		err  error
	)
	if len(refs) > 0 {
		docs, err = s.deps.Retriever.Resolve(ctx, refs)
	} else {
		docs, err = s.deps.Retriever.FindRelevant(ctx, message)
	}
	if err != nil {
		s.logger.Warn("chat documents unavailable", "error", err)
		return nil
	}
	return docs
}

// thread returns the conversation to continue and its recent history,
// creating a thread on first use.
func (s *Service) thread(ctx context.Context, req ChatRequest, message string) (string, []proxy.Message, error) {
	if req.ThreadID != "" {
		if _, err := s.deps.Threads.GetThread(req.ThreadID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", nil, fmt.Errorf("unknown thread %s", req.ThreadID)
			}
			return "", nil, fmt.Errorf("loading thread: %w", err)
		}
		turns, err := s.deps.Threads.ListTurns(req.ThreadID, historyTurns)
		if err != nil {
			return "", nil, fmt.Errorf("loading history: %w", err)
		}
		history := make([]proxy.Message, len(turns))
		for i, t := range turns {
			history[i] = proxy.Message{Role: t.Role, Content: t.Content}
		}
		return req.ThreadID, history, nil
	}

	userID := report.LocalUserID
	if s.deps.Users != nil {
		if id, err := s.deps.Users.UserID(ctx); err == nil {
			userID = id
		}
	}
	th, err := s.deps.Threads.CreateThread(userID, snapshot.Truncate(message, threadTitleLen))
	if err != nil {
		return "", nil, fmt.Errorf("creating thread: %w", err)
	}
	return th.ID, req.History, nil
}

func (s *Service) finishChat(message, text string, call chatCall) (ChatResult, error) {
	if strings.TrimSpace(text) == "" {
		text = emptyResponse
	}
	for _, t := range []proxy.Message{{Role: "user", Content: message}, {Role: "assistant", Content: text}} {
		if _, err := s.deps.Threads.AppendTurn(call.threadID, t.Role, t.Content); err != nil {
			s.logger.Warn("failed to store chat turn", "thread_id", call.threadID, "role", t.Role, "error", err)
		}
	}
	return ChatResult{Response: text, ThreadID: call.threadID, DocumentsUsed: call.docs}, nil
}
