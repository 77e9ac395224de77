package upload

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/openfeed-io/go-mediakit/upload/network"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	} else {
		return ""
	}
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

func configuredEnvRepo() fakeEnvRepo {
	return fakeEnvRepo{envVars: map[string]string{
		"MEDIAKIT_INGEST_API_URL":      "https://ingest.example.com",
		"MEDIAKIT_INGEST_ACCESS_TOKEN": "test-token",
	}}
}

// fakeTransport replays a scripted protocol conversation. Metadata posts are
// recorded under the synthetic METADATA command.
type fakeTransport struct {
	mu       sync.Mutex
	commands []string
	handler  func(command string, fields map[string]string) (network.Response, error)
	metadata []interface{}
}

func (t *fakeTransport) PostForm(ctx context.Context, requestURL string, fields map[string]string) (network.Response, error) {
	if err := ctx.Err(); err != nil {
		return network.Response{}, err
	}
	return t.dispatch(fields["command"], fields)
}

func (t *fakeTransport) PostJSON(ctx context.Context, requestURL string, body interface{}) (network.Response, error) {
	if err := ctx.Err(); err != nil {
		return network.Response{}, err
	}
	t.mu.Lock()
	t.metadata = append(t.metadata, body)
	t.mu.Unlock()
	return t.dispatch("METADATA", nil)
}

func (t *fakeTransport) GetJSON(ctx context.Context, requestURL string, query map[string]string) (network.Response, error) {
	if err := ctx.Err(); err != nil {
		return network.Response{}, err
	}
	return t.dispatch(query["command"], query)
}

func (t *fakeTransport) dispatch(command string, fields map[string]string) (network.Response, error) {
	t.mu.Lock()
	t.commands = append(t.commands, command)
	t.mu.Unlock()

	if t.handler != nil {
		return t.handler(command, fields)
	}
	return network.Response{StatusCode: http.StatusOK, Body: []byte(`{}`)}, nil
}

func (t *fakeTransport) recordedCommands() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	commands := make([]string, len(t.commands))
	copy(commands, t.commands)
	return commands
}

func (t *fakeTransport) metadataBodies() []interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	bodies := make([]interface{}, len(t.metadata))
	copy(bodies, t.metadata)
	return bodies
}

// happyTransport scripts a minimal successful INIT/APPEND/FINALIZE exchange.
func happyTransport(mediaID string) *fakeTransport {
	transport := &fakeTransport{}
	transport.handler = func(command string, fields map[string]string) (network.Response, error) {
		switch command {
		case "INIT":
			body := fmt.Sprintf(`{"media_id": %q, "expires_after_secs": 3600}`, mediaID)
			return network.Response{StatusCode: http.StatusOK, Body: []byte(body)}, nil
		case "FINALIZE":
			body := fmt.Sprintf(`{"media_id": %q}`, mediaID)
			return network.Response{StatusCode: http.StatusOK, Body: []byte(body)}, nil
		default:
			return network.Response{StatusCode: http.StatusOK, Body: []byte(`{}`)}, nil
		}
	}
	return transport
}
