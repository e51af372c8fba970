// Package upload drives the store's two-phase transcript upload: files are
// staged first, then the session is finalized with parameter values, possibly
// over several rounds. Stores without the staged endpoint get a single-phase
// legacy upload instead.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"annostore/internal/task"
	"annostore/internal/upstream/store"
)

const (
	stagePath     = "api/edit/transcript/upload"
	legacyNewPath = "edit/transcript/new"
	legacyUpdPath = "edit/transcript/update"

	ParamCorpus         = "labbcat_corpus"
	ParamEpisode        = "labbcat_episode"
	ParamTranscriptType = "labbcat_transcript_type"
	ParamGenerate       = "labbcat_generate"
)

// FallbackObserver is told whenever an upload falls back to the legacy path.
type FallbackObserver func(merge bool)

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithFallbackObserver(observer FallbackObserver) Option {
	return func(o *Orchestrator) {
		o.onFallback = observer
	}
}

type Orchestrator struct {
	client     task.Sender
	logger     *slog.Logger
	onFallback FallbackObserver
}

func New(client task.Sender, opts ...Option) *Orchestrator {
	o := &Orchestrator{client: client, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Stage sends the files and returns the session with its outstanding
// parameters. merge=false creates a new item, merge=true updates one.
func (o *Orchestrator) Stage(ctx context.Context, files Files, merge bool) (Session, error) {
	if err := files.validate(); err != nil {
		return Session{}, err
	}
	params := store.Params{
		"merge":      merge,
		"transcript": files.Transcripts,
	}
	for suffix, media := range files.Media {
		params["media"+suffix] = media
	}
	resp := o.client.Send(ctx, store.Request{
		Operation: "uploadTranscript",
		URL:       stagePath,
		Method:    http.MethodPost,
		Encoding:  store.EncodingMultipart,
		Params:    params,
	})
	if err := resp.Err(); err != nil {
		return Session{}, err
	}
	var session Session
	if err := resp.Decode(&session); err != nil {
		return Session{}, fmt.Errorf("upload: decode session: %w", err)
	}
	if session.ID == "" {
		return Session{}, errors.New("upload: store returned a session without id")
	}
	return session, nil
}

// Finalize submits parameter values for a staged session until the store
// returns task ids. Each value is taken from values, then from what earlier
// rounds already sent, then from the parameter's default, then from resolver.
// Empty values are never sent.
func (o *Orchestrator) Finalize(ctx context.Context, session Session, values map[string]string, resolver ParameterResolver) (Result, error) {
	accepted := make(map[string]string)
	outstanding := session.Parameters
	for round := 1; ; round++ {
		submit, err := resolveValues(session.ID, outstanding, values, accepted, resolver)
		if err != nil {
			return Result{}, err
		}
		resp := o.client.Send(ctx, store.Request{
			Operation: "uploadParameters",
			URL:       stagePath + "/" + url.PathEscape(session.ID),
			Method:    http.MethodPut,
			Params:    toParams(submit),
		})
		if err := resp.Err(); err != nil {
			return Result{}, err
		}
		out, err := parseOutcome(resp.Result)
		if err != nil {
			return Result{}, err
		}
		if len(out.parameters) == 0 {
			o.logger.Debug("upload_finalized", "session_id", session.ID, "rounds", round)
			return out.result, nil
		}
		// The first reply may introduce parameters; later ones must shrink.
		if round > 1 && len(out.parameters) >= len(outstanding) {
			return Result{}, fmt.Errorf("%w: session %s still needs %d parameter(s) after round %d",
				ErrNoProgress, session.ID, len(out.parameters), round)
		}
		for k, v := range submit {
			accepted[k] = v
		}
		o.logger.Debug("upload_parameters_outstanding",
			"session_id", session.ID,
			"round", round,
			"outstanding", len(out.parameters),
		)
		outstanding = out.parameters
	}
}

// Abandon deletes a staged session and the files buffered for it.
func (o *Orchestrator) Abandon(ctx context.Context, sessionID string) error {
	resp := o.client.Send(ctx, store.Request{
		Operation: "deleteUpload",
		URL:       stagePath + "/" + url.PathEscape(sessionID),
		Method:    http.MethodDelete,
	})
	return resp.Err()
}

type NewItemOptions struct {
	Corpus  string
	Episode string // defaults to the primary file name without extension
	// TranscriptType is left to the store's default when empty.
	TranscriptType     string
	SuppressGeneration bool
	Parameters         map[string]string
	Resolver           ParameterResolver
}

type UpdateItemOptions struct {
	SuppressGeneration bool
	Parameters         map[string]string
	Resolver           ParameterResolver
}

// NewItem uploads new transcripts and returns the task id of each item.
func (o *Orchestrator) NewItem(ctx context.Context, files Files, opts NewItemOptions) (map[string]string, error) {
	episode := strings.TrimSpace(opts.Episode)
	if episode == "" {
		name := files.primaryName()
		episode = strings.TrimSuffix(name, path.Ext(name))
	}
	staged := copyValues(opts.Parameters)
	setIfEmpty(staged, ParamCorpus, opts.Corpus)
	setIfEmpty(staged, ParamEpisode, episode)
	setIfEmpty(staged, ParamTranscriptType, opts.TranscriptType)
	setIfEmpty(staged, ParamGenerate, strconv.FormatBool(!opts.SuppressGeneration))

	legacy := copyValues(opts.Parameters)
	setIfEmpty(legacy, "corpus", opts.Corpus)
	setIfEmpty(legacy, "episode", episode)
	setIfEmpty(legacy, "transcript_type", opts.TranscriptType)
	if opts.SuppressGeneration {
		legacy["do_not_generate"] = "true"
	}

	result, err := o.upload(ctx, files, false, staged, legacy, opts.Resolver)
	if err != nil {
		return nil, err
	}
	return result.ByName(files.primaryName()), nil
}

// UpdateItem uploads new versions of existing transcripts.
func (o *Orchestrator) UpdateItem(ctx context.Context, files Files, opts UpdateItemOptions) (map[string]string, error) {
	staged := copyValues(opts.Parameters)
	setIfEmpty(staged, ParamGenerate, strconv.FormatBool(!opts.SuppressGeneration))

	legacy := copyValues(opts.Parameters)
	if opts.SuppressGeneration {
		legacy["do_not_generate"] = "true"
	}

	result, err := o.upload(ctx, files, true, staged, legacy, opts.Resolver)
	if err != nil {
		return nil, err
	}
	return result.ByName(files.primaryName()), nil
}

// upload stages and finalizes, or falls back to the legacy endpoint when the
// staged one is not there. The staged endpoint is tried again on every call.
func (o *Orchestrator) upload(ctx context.Context, files Files, merge bool, staged, legacy map[string]string, resolver ParameterResolver) (Result, error) {
	session, err := o.Stage(ctx, files, merge)
	if err != nil {
		if !store.IsNotFound(err) {
			return Result{}, err
		}
		o.logger.Info("upload_legacy_fallback", "merge", merge, "file", files.primaryName())
		if o.onFallback != nil {
			o.onFallback(merge)
		}
		return o.legacyUpload(ctx, files, merge, legacy)
	}

	result, err := o.Finalize(ctx, session, staged, resolver)
	if err != nil {
		var unresolved *UnresolvedError
		if errors.Is(err, ErrNoProgress) || errors.As(err, &unresolved) {
			if abandonErr := o.Abandon(ctx, session.ID); abandonErr != nil {
				o.logger.Warn("upload_abandon_failed", "session_id", session.ID, "error", abandonErr)
			}
		}
		return Result{}, err
	}
	return result, nil
}

func (o *Orchestrator) legacyUpload(ctx context.Context, files Files, merge bool, values map[string]string) (Result, error) {
	params := toParams(values)
	params["uploadfile"] = files.Transcripts
	for suffix, media := range files.Media {
		params["uploadmedia"+suffix] = media
	}
	target := legacyNewPath
	if merge {
		target = legacyUpdPath
	}
	resp := o.client.Send(ctx, store.Request{
		Operation: "legacyUpload",
		URL:       target,
		Method:    http.MethodPost,
		Encoding:  store.EncodingMultipart,
		Params:    params,
	})
	if err := resp.Err(); err != nil {
		return Result{}, err
	}
	out, err := parseOutcome(resp.Result)
	if err != nil {
		return Result{}, err
	}
	if len(out.parameters) > 0 {
		return Result{}, fmt.Errorf("upload: legacy endpoint asked for %d parameter(s)", len(out.parameters))
	}
	return out.result, nil
}

func resolveValues(sessionID string, outstanding []Parameter, values, accepted map[string]string, resolver ParameterResolver) (map[string]string, error) {
	submit := make(map[string]string, len(values)+len(accepted))
	for k, v := range accepted {
		submit[k] = v
	}
	for k, v := range values {
		if v != "" {
			submit[k] = v
		}
	}
	var missing []Parameter
	for _, p := range outstanding {
		if submit[p.Name] != "" {
			continue
		}
		value := p.DefaultValue()
		if value == "" && resolver != nil {
			if v, ok := resolver(p); ok {
				value = v
			}
		}
		if value != "" {
			submit[p.Name] = value
			continue
		}
		if p.Required {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return nil, &UnresolvedError{SessionID: sessionID, Missing: missing}
	}
	return submit, nil
}

func toParams(values map[string]string) store.Params {
	params := make(store.Params, len(values))
	for k, v := range values {
		params[k] = v
	}
	return params
}

func copyValues(values map[string]string) map[string]string {
	out := make(map[string]string, len(values)+4)
	for k, v := range values {
		out[k] = v
	}
	return out
}

func setIfEmpty(values map[string]string, key, value string) {
	if value == "" || values[key] != "" {
		return
	}
	values[key] = value
}
