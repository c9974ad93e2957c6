package fleet

//
// Run results collection
//

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RunReport is the summary persisted as run.json in the run directory.
type RunReport struct {
	// RunID uniquely identifies the run.
	RunID string `json:"run_id"`

	// Name is the experiment name.
	Name string `json:"name"`

	// Status is the terminal run status.
	Status RunStatus `json:"status"`

	// Failure describes why the run failed, when it did.
	Failure string `json:"failure,omitempty"`

	// Started is when the run started.
	Started time.Time `json:"started"`

	// Ended is when the run reached a terminal state.
	Ended time.Time `json:"ended"`

	// Rounds is the number of configured training rounds.
	Rounds int `json:"rounds"`

	// Nodes contains the node specs of the run.
	Nodes []NodeSpec `json:"nodes"`
}

// MetricsBundle summarizes what the collector gathered. Sources that
// could not be collected appear as gaps rather than failing the run.
type MetricsBundle struct {
	// Entries lists the collected files relative to the run dir.
	Entries []string `json:"entries"`

	// Gaps lists the sources we failed to collect, with the reason.
	Gaps []string `json:"gaps"`
}

// Collector gathers the artifacts of a run into its run directory:
//
//	<output>/<run-id>/
//	  run.json
//	  metrics.json
//	  nodes/<node>/<node>.log
//	  network/profiles.json
//	  network/probes.json
//	  network/traffic.json
//	  network/*.pcap
//
// Collection is best effort: a missing or unreadable source becomes a
// gap in the [MetricsBundle], never an error aborting teardown. The
// zero value is invalid; construct using [NewCollector].
type Collector struct {
	// bundle accumulates entries and gaps.
	bundle MetricsBundle

	// logger is the logger to use.
	logger Logger

	// mu protects bundle.
	mu sync.Mutex

	// runDir is the run directory.
	runDir string
}

// NewCollector creates the run directory layout and returns a
// [Collector] writing into it.
func NewCollector(logger Logger, outputDir, runID string) (*Collector, error) {
	runDir := filepath.Join(outputDir, runID)
	for _, dir := range []string{runDir, filepath.Join(runDir, "nodes"), filepath.Join(runDir, "network")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return &Collector{
		bundle: MetricsBundle{Entries: []string{}, Gaps: []string{}},
		logger: logger,
		mu:     sync.Mutex{},
		runDir: runDir,
	}, nil
}

// RunDir returns the run directory path.
func (c *Collector) RunDir() string {
	return c.runDir
}

// NetworkDir returns the directory for network artifacts. Use it as
// the capture directory when building the topology.
func (c *Collector) NetworkDir() string {
	return filepath.Join(c.runDir, "network")
}

// addEntry records a successfully collected file.
func (c *Collector) addEntry(relpath string) {
	c.mu.Lock()
	c.bundle.Entries = append(c.bundle.Entries, relpath)
	c.mu.Unlock()
}

// addGap records a source we could not collect.
func (c *Collector) addGap(source string, err error) {
	c.logger.Warnf("fleet: collector: %s: %s", source, err.Error())
	c.mu.Lock()
	c.bundle.Gaps = append(c.bundle.Gaps, fmt.Sprintf("%s: %s", source, err.Error()))
	c.mu.Unlock()
}

// writeJSON persists v as JSON under the run directory.
func (c *Collector) writeJSON(relpath string, v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		c.addGap(relpath, err)
		return
	}
	fullpath := filepath.Join(c.runDir, relpath)
	if err := os.WriteFile(fullpath, data, 0644); err != nil {
		c.addGap(relpath, err)
		return
	}
	c.addEntry(relpath)
}

// CollectNodeLogs copies each node's log file from the staging log
// directory into nodes/<node>/. A node whose log is missing becomes
// a gap in the bundle.
func (c *Collector) CollectNodeLogs(logDir string, nodes []NodeSpec) {
	for _, node := range nodes {
		source := filepath.Join(logDir, node.ID+".log")
		relpath := filepath.Join("nodes", node.ID, node.ID+".log")
		if err := c.copyFile(source, filepath.Join(c.runDir, relpath)); err != nil {
			c.addGap(relpath, err)
			continue
		}
		c.addEntry(relpath)
	}
}

// copyFile copies a single file creating the destination directory.
func (c *Collector) copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CollectProfiles persists the link profiles in force during the run.
func (c *Collector) CollectProfiles(profiles map[string]LinkProfile) {
	c.writeJSON(filepath.Join("network", "profiles.json"), profiles)
}

// CollectProbes persists the connectivity probe results.
func (c *Collector) CollectProbes(results []*ProbeResult) {
	c.writeJSON(filepath.Join("network", "probes.json"), results)
}

// CollectTraffic persists the background traffic windows.
func (c *Collector) CollectTraffic(windows []*TrafficWindow) {
	c.writeJSON(filepath.Join("network", "traffic.json"), windows)
}

// CollectPCAPs records the PCAP files already written into the
// network directory by the capture wrappers.
func (c *Collector) CollectPCAPs() {
	matches, err := filepath.Glob(filepath.Join(c.NetworkDir(), "*.pcap"))
	if err != nil {
		c.addGap("network/*.pcap", err)
		return
	}
	for _, match := range matches {
		c.addEntry(filepath.Join("network", filepath.Base(match)))
	}
}

// WriteRunReport persists the run summary as run.json.
func (c *Collector) WriteRunReport(report *RunReport) {
	c.writeJSON("run.json", report)
}

// Finalize persists the bundle itself as metrics.json and returns it.
func (c *Collector) Finalize() *MetricsBundle {
	c.mu.Lock()
	snapshot := MetricsBundle{
		Entries: append([]string{}, c.bundle.Entries...),
		Gaps:    append([]string{}, c.bundle.Gaps...),
	}
	c.mu.Unlock()
	c.writeJSON("metrics.json", snapshot)
	return &snapshot
}
