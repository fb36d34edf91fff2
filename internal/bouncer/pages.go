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

package bouncer

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/oxtoacart/bpool"

	"github.com/tailsec/crowdsec-http-bouncer/internal/captcha"
)

//go:embed templates/ban.html templates/captcha.html
var templateFS embed.FS

const pageBuffers = 32

// pages renders the ban and captcha responses. Templates render into
// a pooled buffer first so a template error never truncates a
// half-written response.
type pages struct {
	ban     *template.Template
	captcha *template.Template
	pool    *bpool.BufferPool
}

// newPages loads the embedded templates, or the operator's overrides
// when paths are configured.
func newPages(banPath, captchaPath string) (*pages, error) {
	ban, err := loadTemplate(banPath, "templates/ban.html")
	if err != nil {
		return nil, err
	}
	captchaTmpl, err := loadTemplate(captchaPath, "templates/captcha.html")
	if err != nil {
		return nil, err
	}

	return &pages{
		ban:     ban,
		captcha: captchaTmpl,
		pool:    bpool.NewBufferPool(pageBuffers),
	}, nil
}

func loadTemplate(override, embedded string) (*template.Template, error) {
	if override != "" {
		tmpl, err := template.ParseFiles(override)
		if err != nil {
			return nil, fmt.Errorf("loading template %q: %w", override, err)
		}
		return tmpl, nil
	}

	return template.ParseFS(templateFS, embedded)
}

func (p *pages) renderBan(w http.ResponseWriter) {
	p.render(w, http.StatusForbidden, p.ban, nil)
}

func (p *pages) renderCaptcha(w http.ResponseWriter, state *captcha.State) {
	p.render(w, http.StatusUnauthorized, p.captcha, state)
}

func (p *pages) render(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	buf := p.pool.Get()
	defer p.pool.Put(buf)

	if err := tmpl.Execute(buf, data); err != nil {
		http.Error(w, http.StatusText(status), status)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	buf.WriteTo(w) //nolint:errcheck // client may have gone away
}
