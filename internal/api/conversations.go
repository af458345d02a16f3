package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/ongoingai/agentconsole/internal/auth"
	"github.com/ongoingai/agentconsole/internal/backend"
	"github.com/ongoingai/agentconsole/internal/pathutil"
)

const (
	defaultConversationLimit = 20
	maxConversationLimit     = 100
)

type exportResponse struct {
	ID       string                         `json:"id"`
	Title    string                         `json:"title"`
	Messages []openai.ChatCompletionMessage `json:"messages"`
}

func ConversationsHandler(client *backend.Client, errs *errorWriter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		options, err := parseListOptions(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		creds, _ := auth.CredentialsFromContext(r.Context())
		page, err := client.ListConversations(r.Context(), creds, options)
		if err != nil {
			errs.write(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	})
}

// ConversationDetailHandler serves /api/conversations/{id} and its
// archive, restore and export actions.
func ConversationDetailHandler(client *backend.Client, errs *errorWriter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		segments, ok := pathutil.Segments(r.URL.Path, "/api/conversations")
		if !ok || len(segments) == 0 || len(segments) > 2 {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		id := segments[0]
		creds, _ := auth.CredentialsFromContext(r.Context())
		ctx := r.Context()

		if len(segments) == 1 {
			if !requireMethod(w, r, http.MethodGet, http.MethodDelete) {
				return
			}
			if r.Method == http.MethodDelete {
				if err := client.DeleteConversation(ctx, creds, id); err != nil {
					errs.write(w, r, err)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			conversation, err := client.GetConversation(ctx, creds, id)
			if err != nil {
				errs.write(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, conversation)
			return
		}

		switch segments[1] {
		case "archive", "restore":
			if !requireMethod(w, r, http.MethodPost) {
				return
			}
			var err error
			if segments[1] == "archive" {
				err = client.ArchiveConversation(ctx, creds, id)
			} else {
				err = client.RestoreConversation(ctx, creds, id)
			}
			if err != nil {
				errs.write(w, r, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case "export":
			if !requireMethod(w, r, http.MethodGet) {
				return
			}
			conversation, err := client.GetConversation(ctx, creds, id)
			if err != nil {
				errs.write(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, exportConversation(conversation))
		default:
			writeError(w, http.StatusNotFound, "not found")
		}
	})
}

// exportConversation converts a conversation into chat completion messages.
// Messages still waiting for an answer export only the user turn.
func exportConversation(conversation *backend.Conversation) exportResponse {
	out := exportResponse{
		ID:       conversation.ID,
		Title:    conversation.Title,
		Messages: make([]openai.ChatCompletionMessage, 0, len(conversation.Messages)*2),
	}
	for _, message := range conversation.Messages {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: message.Message,
		})
		if message.Answer != nil {
			out.Messages = append(out.Messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: *message.Answer,
			})
		}
	}
	return out
}

func parseListOptions(r *http.Request) (backend.ListOptions, error) {
	query := r.URL.Query()
	options := backend.ListOptions{Limit: defaultConversationLimit}

	if raw := strings.TrimSpace(query.Get("archived")); raw != "" {
		archived, err := strconv.ParseBool(raw)
		if err != nil {
			return backend.ListOptions{}, fmt.Errorf("invalid archived value %q", raw)
		}
		options.Archived = archived
	}
	limit, err := parseIntQuery(query.Get("limit"), "limit", 1, maxConversationLimit)
	if err != nil {
		return backend.ListOptions{}, err
	}
	if limit > 0 {
		options.Limit = limit
	}
	offset, err := parseIntQuery(query.Get("offset"), "offset", 0, 1<<20)
	if err != nil {
		return backend.ListOptions{}, err
	}
	options.Offset = offset
	return options, nil
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q", name, raw)
	}
	if value < min || value > max {
		return 0, fmt.Errorf("%s must be between %d and %d", name, min, max)
	}
	return value, nil
}
