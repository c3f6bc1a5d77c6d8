package watch

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/spica/internal/api"
	"github.com/mattjoyce/spica/internal/governor"
	"github.com/mattjoyce/spica/internal/registry"
)

// --- Message types ---

type healthMsg api.HealthzResponse

type instancesMsg []api.InstanceSummary

type registryMsg registry.Snapshot

type governorMsg governor.State

type tickMsg time.Time

type errMsg error

// --- Commands ---

func fetchJSON(apiURL, path string, out any) error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(apiURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func fetchHealth(apiURL string) tea.Msg {
	var h healthMsg
	if err := fetchJSON(apiURL, "/healthz", &h); err != nil {
		return errMsg(err)
	}
	return h
}

func fetchInstances(apiURL string) tea.Msg {
	var list instancesMsg
	if err := fetchJSON(apiURL, "/v1/instances", &list); err != nil {
		return errMsg(err)
	}
	return list
}

func fetchRegistry(apiURL string) tea.Msg {
	var snap registryMsg
	if err := fetchJSON(apiURL, "/v1/registry", &snap); err != nil {
		return errMsg(err)
	}
	return snap
}

func fetchGovernor(apiURL string) tea.Msg {
	var st governorMsg
	if err := fetchJSON(apiURL, "/v1/governor", &st); err != nil {
		return errMsg(err)
	}
	return st
}

// refreshAll fetches every panel's data in one batch.
func refreshAll(apiURL string) tea.Cmd {
	return tea.Batch(
		func() tea.Msg { return fetchHealth(apiURL) },
		func() tea.Msg { return fetchInstances(apiURL) },
		func() tea.Msg { return fetchRegistry(apiURL) },
		func() tea.Msg { return fetchGovernor(apiURL) },
	)
}
