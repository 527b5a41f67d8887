package node

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rendermesh/farmnode/pkg/config"
	"github.com/rendermesh/farmnode/pkg/discovery"
	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/object"
)

const (
	preemptionPollInterval = 15 * time.Second

	// metadataServiceURL is the link-local instance metadata endpoint
	// both cloud providers expose.
	metadataServiceURL = "http://169.254.169.254"

	awsSpotActionPath = "/latest/meta-data/spot/instance-action"
	azureEventsPath   = "/metadata/scheduledevents?api-version=2019-08-01"
)

// PreemptionMonitor polls the cloud instance metadata service for a
// pending preemption and triggers a node shutdown when one is
// announced, so sessions drain before the instance is reclaimed.
type PreemptionMonitor struct {
	name         string
	queryFailure string

	client   *discovery.ServiceClient
	interval time.Duration
	check    func()
	stop     func()

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// StartPreemptionMonitor starts the monitor matching the configured
// cloud provider. Returns nil when kind does not name one.
func StartPreemptionMonitor(kind string, stop func()) *PreemptionMonitor {
	return startPreemptionMonitor(kind, metadataServiceURL, preemptionPollInterval, stop)
}

func startPreemptionMonitor(kind, baseURL string, interval time.Duration, stop func()) *PreemptionMonitor {
	m := &PreemptionMonitor{
		client:   discovery.NewServiceClient(baseURL),
		interval: interval,
		stop:     stop,
		done:     make(chan struct{}),
	}
	switch kind {
	case config.PreemptionAWS:
		m.name = "AWS Spot Monitor"
		m.queryFailure = "Exception making spot monitor query"
		m.check = m.checkAWS
	case config.PreemptionAzure:
		m.name = "Azure Scheduled Events Monitor"
		m.queryFailure = "Exception making azure monitor query"
		m.check = m.checkAzure
	default:
		return nil
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// Stop ends the polling loop and waits for it to finish. Safe to call
// more than once.
func (m *PreemptionMonitor) Stop() {
	m.closeOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *PreemptionMonitor) run() {
	defer m.wg.Done()
	logger.Infof("Running %s", m.name)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			logger.Infof("Stopped %s", m.name)
			return
		case <-ticker.C:
			m.check()
		}
	}
}

// checkAWS reads the spot instance-action document. The path is absent
// (404) until an interruption is scheduled.
func (m *PreemptionMonitor) checkAWS() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()
	data, err := m.client.Get(ctx, awsSpotActionPath)
	if err != nil {
		m.reportQueryError(err)
		return
	}

	action, actionOK := data["action"].(string)
	when, timeOK := data["time"].(string)
	if !actionOK || !timeOK {
		raw, _ := object.Encode(data)
		logger.Warnf("AWS spot monitor returned invalid data: %s", raw)
		return
	}

	var verb string
	switch action {
	case "stop":
		verb = "stopping"
	case "terminate":
		verb = "terminating"
	default:
		return
	}
	logger.Infof("AWS spot instance is %s at %s. Shutting node down.", verb, when)
	m.stop()
}

// checkAzure reads the scheduled events document, which is always
// present and lists zero or more upcoming events.
func (m *PreemptionMonitor) checkAzure() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()
	data, err := m.client.GetWithHeaders(ctx, azureEventsPath, map[string]string{"Metadata": "true"})
	if err != nil {
		m.reportQueryError(err)
		return
	}

	events, ok := data["Events"].([]any)
	if !ok {
		return
	}
	for _, e := range events {
		ev, ok := e.(map[string]any)
		if !ok {
			continue
		}
		eventType, _ := ev["EventType"].(string)
		switch eventType {
		case "Reboot", "Redeploy", "Preempt":
			when, ok := ev["NotBefore"].(string)
			if !ok || when == "" {
				when = "[Unknown]"
			}
			logger.Infof("Azure instance will %s at %s. Shutting node down.", eventType, when)
			m.stop()
			return
		}
	}
}

// reportQueryError logs unexpected metadata service failures. A 404
// (no pending interruption) and plain unreachability (not running on
// that cloud, or the metadata service is briefly down) are normal.
func (m *PreemptionMonitor) reportQueryError(err error) {
	var se *discovery.ServiceError
	if errors.As(err, &se) && (se.StatusCode == http.StatusNotFound || se.Unavailable()) {
		return
	}
	logger.Warnf("%s : %v", m.queryFailure, err)
}
