package rest

import (
	_ "embed"
	"net/http"
)

// OpenAPIDocument is the contract the router serves. Contract tests validate
// live requests and responses against it.
//
//go:embed openapi.yaml
var OpenAPIDocument []byte

func serveOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(OpenAPIDocument)
}
