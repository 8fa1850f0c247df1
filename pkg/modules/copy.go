package modules

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"

	"github.com/nexus-automation/nexus/pkg/engine"
)

// copyModule uploads a local file or inline content to the host, skipping
// the upload when the remote checksum already matches.
type copyModule struct{}

func (m *copyModule) Name() string { return "copy" }

func (m *copyModule) Run(ctx context.Context, req Request) (*engine.ModuleResult, error) {
	dest, err := stringArg(req.Args, "dest")
	if err != nil {
		return nil, err
	}

	var content []byte
	if inline, ok := req.Args["content"].(string); ok {
		content = []byte(inline)
	} else {
		src, err := stringArg(req.Args, "src")
		if err != nil {
			return nil, engine.NewConfigError("copy requires src or content", nil)
		}
		content, err = os.ReadFile(src)
		if err != nil {
			return nil, engine.NewModuleError(fmt.Sprintf("failed to read %s", src), err)
		}
	}

	return upload(ctx, req, content, dest)
}

// templateModule renders a local Go template with the task's vars and
// uploads the result.
type templateModule struct{}

func (m *templateModule) Name() string { return "template" }

func (m *templateModule) Run(ctx context.Context, req Request) (*engine.ModuleResult, error) {
	src, err := stringArg(req.Args, "src")
	if err != nil {
		return nil, err
	}
	dest, err := stringArg(req.Args, "dest")
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(src)
	if err != nil {
		return nil, engine.NewModuleError(fmt.Sprintf("failed to read template %s", src), err)
	}
	tmpl, err := template.New(src).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, engine.NewModuleError(fmt.Sprintf("invalid template %s", src), err)
	}

	data, _ := req.Args["vars"].(map[string]any)
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, engine.NewModuleError(fmt.Sprintf("failed to render template %s", src), err)
	}
	return upload(ctx, req, buf.Bytes(), dest)
}

// upload writes content to dest if the remote checksum differs.
func upload(ctx context.Context, req Request, content []byte, dest string) (*engine.ModuleResult, error) {
	sum := sha256.Sum256(content)
	want := hex.EncodeToString(sum[:])

	res, err := run(ctx, req, fmt.Sprintf("sha256sum %s 2>/dev/null | cut -d' ' -f1", shellQuote(dest)))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(res.Stdout) == want {
		return &engine.ModuleResult{
			Message: "content already up to date",
			Data:    map[string]any{"dest": dest, "checksum": want},
		}, nil
	}

	if req.Options.CheckMode {
		out := checkModeResult("would write " + dest)
		out.Changed = true
		out.Skipped = false
		return out, nil
	}

	mode := uint32(0o644)
	if s := optionalArg(req.Args, "mode", ""); s != "" {
		parsed, err := strconv.ParseUint(s, 8, 32)
		if err != nil {
			return nil, engine.NewConfigError(fmt.Sprintf("invalid mode %q", s), err)
		}
		mode = uint32(parsed)
	}

	if err := req.Session.Upload(ctx, content, dest, mode); err != nil {
		return nil, engine.NewModuleError(fmt.Sprintf("failed to upload %s", dest), err)
	}
	return &engine.ModuleResult{
		Changed: true,
		Message: fmt.Sprintf("wrote %d bytes to %s", len(content), dest),
		Data:    map[string]any{"dest": dest, "checksum": want, "size": len(content)},
	}, nil
}
