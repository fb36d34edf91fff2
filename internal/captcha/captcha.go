// Copyright 2025 The Tailsec Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package captcha runs the per-IP challenge state machine. State lives
// in the cache store so a resolved challenge survives process
// restarts for the duration of the captcha TTL.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mojocn/base64Captcha"
	"go.uber.org/zap"

	"github.com/tailsec/crowdsec-http-bouncer/internal/cache"
	"github.com/tailsec/crowdsec-http-bouncer/internal/decision"
)

// State is the persisted challenge state for one IP.
type State struct {
	Phrase             string `json:"phrase_to_guess"`
	InlineImage        string `json:"inline_image"`
	HasToBeResolved    bool   `json:"has_to_be_resolved"`
	ResolutionFailed   bool   `json:"resolution_failed"`
	ResolutionRedirect string `json:"resolution_redirect"`
}

// Generator produces a challenge phrase and its rendered image as an
// inline data URL.
type Generator interface {
	Generate() (phrase, inlineImage string, err error)
}

const (
	phraseLength = 4
	imageWidth   = 150
	imageHeight  = 40
)

// Base64Generator renders string captchas with base64Captcha.
type Base64Generator struct {
	driver *base64Captcha.DriverString
}

// NewGenerator returns the default challenge generator.
func NewGenerator() *Base64Generator {
	driver := base64Captcha.NewDriverString(
		imageHeight, imageWidth,
		0, base64Captcha.OptionShowHollowLine,
		phraseLength,
		base64Captcha.TxtSimpleCharaters,
		nil, nil, nil,
	)

	return &Base64Generator{driver: driver.ConvertFonts()}
}

func (g *Base64Generator) Generate() (string, string, error) {
	_, content, answer := g.driver.GenerateIdQuestionAnswer()
	item, err := g.driver.DrawCaptcha(content)
	if err != nil {
		return "", "", fmt.Errorf("rendering captcha: %w", err)
	}

	return answer, item.EncodeB64string(), nil
}

// Action tells the pipeline how to answer the request.
type Action int

const (
	// ActionAllow lets the request through; the challenge has been
	// resolved within its TTL.
	ActionAllow Action = iota
	// ActionChallenge renders the challenge page with the result state.
	ActionChallenge
	// ActionRedirect answers 302 to Result.RedirectTo.
	ActionRedirect
)

// Result is the outcome of one state machine step.
type Result struct {
	Action     Action
	State      *State
	RedirectTo string
}

// Machine advances challenge states. Safe for concurrent use; racing
// requests from one IP converge on last-writer-wins.
type Machine struct {
	store  cache.Store
	gen    Generator
	ttl    time.Duration
	logger *zap.Logger
}

// NewMachine returns a machine storing states for ttl.
func NewMachine(store cache.Store, gen Generator, ttl time.Duration, logger *zap.Logger) *Machine {
	return &Machine{
		store:  store,
		gen:    gen,
		ttl:    ttl,
		logger: logger,
	}
}

// Handle advances the state for ip based on the request and returns
// what to answer.
func (m *Machine) Handle(ctx context.Context, ip string, r *http.Request) (Result, error) {
	state, err := m.state(ctx, ip)
	if err != nil {
		return Result{}, err
	}

	if state == nil {
		return m.arm(ctx, ip, r)
	}
	if !state.HasToBeResolved {
		return Result{Action: ActionAllow, State: state}, nil
	}

	if r.Method != http.MethodPost {
		// re-render the current challenge
		return Result{Action: ActionChallenge, State: state}, nil
	}

	if err := r.ParseForm(); err != nil {
		return Result{Action: ActionChallenge, State: state}, nil
	}

	if r.PostFormValue("refresh") == "1" {
		phrase, image, err := m.gen.Generate()
		if err != nil {
			return Result{}, err
		}
		state.Phrase = phrase
		state.InlineImage = image
		state.ResolutionFailed = false
		if err := m.save(ctx, ip, state); err != nil {
			return Result{}, err
		}

		return Result{Action: ActionChallenge, State: state}, nil
	}

	if Match(state.Phrase, r.PostFormValue("phrase")) {
		redirect := state.ResolutionRedirect
		resolved := &State{
			HasToBeResolved:    false,
			ResolutionRedirect: redirect,
		}
		if err := m.save(ctx, ip, resolved); err != nil {
			return Result{}, err
		}

		return Result{Action: ActionRedirect, State: resolved, RedirectTo: redirect}, nil
	}

	state.ResolutionFailed = true
	if err := m.save(ctx, ip, state); err != nil {
		return Result{}, err
	}

	return Result{Action: ActionChallenge, State: state}, nil
}

func (m *Machine) arm(ctx context.Context, ip string, r *http.Request) (Result, error) {
	phrase, image, err := m.gen.Generate()
	if err != nil {
		return Result{}, err
	}

	redirect := r.Referer()
	if redirect == "" {
		redirect = "/"
	}

	state := &State{
		Phrase:             phrase,
		InlineImage:        image,
		HasToBeResolved:    true,
		ResolutionRedirect: redirect,
	}
	if err := m.save(ctx, ip, state); err != nil {
		return Result{}, err
	}

	return Result{Action: ActionChallenge, State: state}, nil
}

func (m *Machine) state(ctx context.Context, ip string) (*State, error) {
	b, ok, err := m.store.Get(ctx, decision.CaptchaKey(ip))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var state State
	if err := json.Unmarshal(b, &state); err != nil {
		m.logger.Warn("dropping undecodable captcha state", zap.String("ip", ip), zap.Error(err))
		return nil, nil
	}

	return &state, nil
}

func (m *Machine) save(ctx context.Context, ip string, state *State) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}

	item := cache.Item{
		Key:    decision.CaptchaKey(ip),
		Value:  b,
		Expiry: time.Now().Add(m.ttl),
		Tags:   []string{cache.TagCaptcha},
	}
	if err := m.store.Put(ctx, item); err != nil {
		return err
	}

	return m.store.Commit(ctx)
}

// Match compares a submitted phrase against the stored one. The
// comparison is forgiving about case and the usual lookalikes: 0 and
// o, 1 and l.
func Match(want, got string) bool {
	if want == "" || got == "" {
		return false
	}

	return canonical(want) == canonical(got)
}

var lookalikes = strings.NewReplacer("0", "o", "1", "l")

func canonical(s string) string {
	return lookalikes.Replace(strings.ToLower(strings.TrimSpace(s)))
}
