package compile

import (
	"fmt"
	"strings"

	"github.com/artpar/stackpilot/internal/core/stack"
)

// renderRouting produces the edge configuration document. Pure text
// assembly; the same configuration always yields the same document.
func renderRouting(cfg stack.Config, bootstrap bool) string {
	var b strings.Builder
	b.WriteString("# Generated by stackpilot. Do not edit; changes are overwritten on deploy.\n\n")

	switch {
	case bootstrap:
		writeBootstrapServer(&b, cfg)
	case cfg.SSL.Strategy == stack.StrategyNone:
		writePlaintextServer(&b, cfg)
	default:
		writeTLSServer(&b, cfg)
	}
	return b.String()
}

// writeBootstrapServer emits the minimal plaintext server that exists only
// while a publicly-validated certificate is being obtained. Everything
// outside the validation path is refused.
func writeBootstrapServer(b *strings.Builder, cfg stack.Config) {
	fmt.Fprintf(b, "server {\n")
	fmt.Fprintf(b, "    listen %d;\n", edgeHTTPPort)
	fmt.Fprintf(b, "    server_name %s;\n\n", strings.Join(cfg.Hosts, " "))
	writeChallengeLocation(b)
	fmt.Fprintf(b, "    location / {\n")
	fmt.Fprintf(b, "        return 503;\n")
	fmt.Fprintf(b, "    }\n")
	fmt.Fprintf(b, "}\n")
}

// writePlaintextServer emits the pass-through edge: an external terminator
// owns TLS, we proxy plaintext.
func writePlaintextServer(b *strings.Builder, cfg stack.Config) {
	fmt.Fprintf(b, "server {\n")
	fmt.Fprintf(b, "    listen %d;\n", edgeHTTPPort)
	fmt.Fprintf(b, "    server_name %s;\n\n", strings.Join(cfg.Hosts, " "))
	writeProxyLocation(b, cfg)
	fmt.Fprintf(b, "}\n")
}

func writeTLSServer(b *strings.Builder, cfg stack.Config) {
	certFile, keyFile := CertFileNames(cfg.StackName)

	fmt.Fprintf(b, "server {\n")
	fmt.Fprintf(b, "    listen %d ssl;\n", edgeTLSPort)
	fmt.Fprintf(b, "    server_name %s;\n\n", strings.Join(cfg.Hosts, " "))
	fmt.Fprintf(b, "    ssl_certificate %s/%s;\n", certsTarget, certFile)
	fmt.Fprintf(b, "    ssl_certificate_key %s/%s;\n", certsTarget, keyFile)
	fmt.Fprintf(b, "    ssl_protocols TLSv1.2 TLSv1.3;\n\n")
	writeProxyLocation(b, cfg)
	fmt.Fprintf(b, "}\n")
}

func writeChallengeLocation(b *strings.Builder) {
	fmt.Fprintf(b, "    location /.well-known/acme-challenge/ {\n")
	fmt.Fprintf(b, "        root %s;\n", WebrootTarget)
	fmt.Fprintf(b, "    }\n\n")
}

func writeProxyLocation(b *strings.Builder, cfg stack.Config) {
	app := stack.ServiceName(cfg.StackName, stack.RoleApp)
	fmt.Fprintf(b, "    location / {\n")
	fmt.Fprintf(b, "        proxy_pass http://%s:%d;\n", app, appPort)
	fmt.Fprintf(b, "        proxy_set_header Host $host;\n")
	fmt.Fprintf(b, "        proxy_set_header X-Real-IP $remote_addr;\n")
	fmt.Fprintf(b, "        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;\n")
	fmt.Fprintf(b, "        proxy_set_header X-Forwarded-Proto $scheme;\n")
	fmt.Fprintf(b, "        client_max_body_size 0;\n")
	fmt.Fprintf(b, "    }\n")
}
