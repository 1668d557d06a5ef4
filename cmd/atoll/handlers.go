package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	atoll "github.com/helmshore/atoll"
)

// maxSkillOutput caps handler output so one skill result cannot flood an
// agent's context.
const maxSkillOutput = 8000

// builtinHandlers binds the demo skills shipped under cmd/atoll/skills.
// File access is restricted to the workspace directory. Real deployments
// bind their own handlers with skills.WithHandlers.
func builtinHandlers(workspace string) map[string]atoll.Handler {
	client := &http.Client{Timeout: 15 * time.Second}
	return map[string]atoll.Handler{
		"files.read": atoll.HandlerFunc(func(ctx context.Context, flags map[string]any, sc atoll.SkillContext) (atoll.SkillResult, error) {
			return fileRead(workspace, flags)
		}),
		"files.write": atoll.HandlerFunc(func(ctx context.Context, flags map[string]any, sc atoll.SkillContext) (atoll.SkillResult, error) {
			return fileWrite(workspace, flags)
		}),
		"web.fetch": atoll.HandlerFunc(func(ctx context.Context, flags map[string]any, sc atoll.SkillContext) (atoll.SkillResult, error) {
			return webFetch(ctx, client, flags)
		}),
	}
}

func fileRead(workspace string, flags map[string]any) (atoll.SkillResult, error) {
	path, err := resolvePath(workspace, stringFlag(flags, "path"))
	if err != nil {
		return atoll.SkillResult{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return atoll.SkillResult{}, fmt.Errorf("read: %w", err)
	}
	return atoll.SkillResult{Status: "ok", Content: truncate(string(data))}, nil
}

func fileWrite(workspace string, flags map[string]any) (atoll.SkillResult, error) {
	path, err := resolvePath(workspace, stringFlag(flags, "path"))
	if err != nil {
		return atoll.SkillResult{}, err
	}
	content := stringFlag(flags, "content")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return atoll.SkillResult{}, fmt.Errorf("write: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return atoll.SkillResult{}, fmt.Errorf("write: %w", err)
	}
	return atoll.SkillResult{
		Status:      "ok",
		Content:     fmt.Sprintf("wrote %d bytes to %s", len(content), filepath.Base(path)),
		SideEffects: []string{"wrote " + path},
		Files:       []string{path},
	}, nil
}

func webFetch(ctx context.Context, client *http.Client, flags map[string]any) (atoll.SkillResult, error) {
	rawURL := stringFlag(flags, "url")
	if rawURL == "" {
		return atoll.SkillResult{}, fmt.Errorf("web.fetch requires url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return atoll.SkillResult{}, fmt.Errorf("invalid url: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; atoll/1.0)")

	resp, err := client.Do(req)
	if err != nil {
		return atoll.SkillResult{}, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return atoll.SkillResult{}, fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return atoll.SkillResult{}, fmt.Errorf("fetch: %w", err)
	}
	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		text = extractText(text, rawURL)
	}
	return atoll.SkillResult{Status: "ok", Content: truncate(text)}, nil
}

// resolvePath joins a relative path onto the workspace, rejecting
// absolute paths and traversal.
func resolvePath(workspace, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	return filepath.Join(workspace, path), nil
}

func stringFlag(flags map[string]any, key string) string {
	s, _ := flags[key].(string)
	return s
}

func truncate(s string) string {
	if len(s) <= maxSkillOutput {
		return s
	}
	return s[:maxSkillOutput] + "\n... (truncated)"
}

// extractText pulls readable article text out of an HTML page, falling
// back to plain tag stripping when extraction finds nothing.
func extractText(html, rawURL string) string {
	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent)
	}
	return stripHTML(html)
}

// stripHTML removes tags and script/style bodies, collapsing whitespace.
// Good enough for the demo fetch skill; it is not a sanitizer.
func stripHTML(content string) string {
	var b strings.Builder
	b.Grow(len(content))

	inTag := false
	skipUntil := "" // closing tag that ends a script/style body
	lower := strings.ToLower(content)

	for i := 0; i < len(content); i++ {
		if skipUntil != "" {
			if strings.HasPrefix(lower[i:], skipUntil) {
				i += len(skipUntil) - 1
				skipUntil = ""
				inTag = false
			}
			continue
		}
		c := content[i]
		switch {
		case c == '<':
			inTag = true
			if strings.HasPrefix(lower[i:], "<script") {
				skipUntil = "</script>"
			} else if strings.HasPrefix(lower[i:], "<style") {
				skipUntil = "</style>"
			}
		case c == '>':
			inTag = false
			b.WriteByte(' ')
		case !inTag:
			b.WriteByte(c)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
