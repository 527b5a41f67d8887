package node

import (
	"context"
	"fmt"
	"maps"
	"os"
	"time"

	"github.com/rendermesh/farmnode/pkg/discovery"
	"github.com/rendermesh/farmnode/pkg/hostinfo"
	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/object"
)

const (
	// clientProtocolBasic is the wire protocol generation this agent
	// speaks, advertised so clients can pick a compatible dialect.
	clientProtocolBasic = 0x1

	// exclusiveUserSentinel is the implicit value the exclusive-user
	// flag carries when given without an argument; the invoking user
	// is substituted.
	exclusiveUserSentinel = "_unspecified_"

	tagPushTimeout = 30 * time.Second
)

// buildNodeInfo assembles the registration document the coordinator and
// the registry see. It is rebuilt only at startup; tag updates mutate
// the stored copy.
func (n *Node) buildNodeInfo(httpPort, routerPort int) {
	tags := object.Object{}
	if v := n.settings.ExclusiveUser; v != "" {
		if v == exclusiveUserSentinel {
			v = n.userName()
		}
		tags["exclusive_user"] = v
	}
	if v := n.settings.ExclusiveProduction; v != "" {
		tags["exclusive_production"] = v
	}
	if v := n.settings.ExclusiveTeam; v != "" {
		tags["exclusive_team"] = v
	}
	if n.settings.OverSubscribe {
		tags["over_subscribe"] = true
	}

	info := object.Object{
		"id":        n.nodeID.String(),
		"hostname":  n.host.Hostname,
		"ipAddress": n.host.IPAddress,
		"httpPort":  httpPort,
		"port":      routerPort,
		"status":    "UP",
		"resources": object.Object{
			"cores":          n.resources.ComputationsCores,
			"memoryMB":       n.resources.ComputationsMemoryMB(),
			"cpuModelNumber": n.host.Processor.ModelNumber,
			"cpuModelName":   n.host.Processor.ModelName,
			"cpuFlags":       n.host.Processor.Flags,
		},
		"interfaces":      n.host.Interfaces,
		"tags":            tags,
		"clientProtocols": clientProtocolBasic,
		"version_info":    hostinfo.RezVersions(),
		"hrefs": object.Object{
			"sessions": fmt.Sprintf("http://%s:%d/sessions", n.host.IPAddress, httpPort),
		},
		"os_version":         n.host.Platform.OSVersion,
		"os_release":         n.host.Platform.OSRelease,
		"os_distribution":    n.host.Platform.OSDistribution,
		"brief_version":      n.host.Platform.BriefVersion,
		"brief_distribution": n.host.Platform.BriefDistribution,
	}
	// The scheduler distinguishes "not part of a farm" and "no resource
	// weighting" from the zero values, so absent settings become null.
	if n.settings.FarmFullID != "" {
		info["farm_full_id"] = n.settings.FarmFullID
	} else {
		info["farm_full_id"] = nil
	}
	if n.settings.HostRU > 0 {
		info["host_ru"] = n.settings.HostRU
	} else {
		info["host_ru"] = nil
	}

	n.infoMu.Lock()
	n.info = info
	n.infoMu.Unlock()
}

// userName resolves the account name the node advertises for exclusive
// scheduling.
func (n *Node) userName() string {
	if n.settings.UserName != "" {
		return n.settings.UserName
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

// isSet reports whether a tag is present with a real value. An explicit
// null counts as unset; that is how a tag is cleared over the wire.
func isSet(tags object.Object, key string) bool {
	v, ok := tags[key]
	return ok && v != nil
}

// validateTags enforces the relationships between the scheduling tags.
// All violations are reported in one message.
func validateTags(tags object.Object) error {
	var msg string
	if isSet(tags, "exclusive_team") && !isSet(tags, "exclusive_production") {
		msg += "Error in tag set : 'exclusive_team' requires 'exclusive_production' to be set. "
	}
	if v, ok := tags["over_subscribe"]; ok {
		if _, isBool := v.(bool); !isBool {
			msg += "Error in tag set : 'over_subscribe' should be type bool. "
		}
	}
	if isSet(tags, "over_subscribe") && !isSet(tags, "exclusive_user") {
		msg += "Error in tag set : 'over_subscribe' requires 'exclusive_user' to be set. "
	}
	if msg != "" {
		logger.Error(msg)
		return opError(msg, 400)
	}
	return nil
}

// UpdateTags merges a tag object into the node's tags and pushes the
// new document to the registry. The push runs in the background;
// overlapping updates are refused rather than queued.
func (n *Node) UpdateTags(payload any) error {
	update, ok := payload.(map[string]any)
	if !ok {
		return opError("Invalid tag set (JSON object is required)", 400)
	}

	n.infoMu.Lock()
	defer n.infoMu.Unlock()
	if n.infoUpdating {
		return opError("Cannot modify node tags, because service is busy with another update", 409)
	}
	merged := n.tagsCopyLocked()
	maps.Copy(merged, update)
	if err := validateTags(merged); err != nil {
		return err
	}
	n.infoUpdating = true
	n.updateWG.Add(1)
	go n.applyTags(merged, "Error in updating consul with new tags.")
	return nil
}

// DeleteTags removes the named tags and pushes the new document to the
// registry, with the same single-flight rule as UpdateTags.
func (n *Node) DeleteTags(payload any) error {
	list, ok := payload.([]any)
	if !ok {
		return opError("Invalid tag list (JSON array is required)", 400)
	}

	n.infoMu.Lock()
	defer n.infoMu.Unlock()
	if n.infoUpdating {
		return opError("Cannot modify node tags, because service is busy with another update", 409)
	}
	merged := n.tagsCopyLocked()
	for _, m := range list {
		if name, ok := m.(string); ok {
			delete(merged, name)
		}
	}
	if err := validateTags(merged); err != nil {
		return err
	}
	n.infoUpdating = true
	n.updateWG.Add(1)
	go n.applyTags(merged, "Error in updating consul when delete tags.")
	return nil
}

// tagsCopyLocked returns a copy of the current tag set. Caller holds
// infoMu.
func (n *Node) tagsCopyLocked() object.Object {
	merged := object.Object{}
	if cur, ok := n.info["tags"].(object.Object); ok {
		maps.Copy(merged, cur)
	}
	return merged
}

// applyTags commits a validated tag set and pushes the updated info
// document to the registry's KV store.
func (n *Node) applyTags(tags object.Object, failure string) {
	defer n.updateWG.Done()

	n.infoMu.Lock()
	n.info["tags"] = tags
	snapshot := object.Clone(n.info)
	n.infoMu.Unlock()

	if !n.settings.NoConsul {
		ctx, cancel := context.WithTimeout(context.Background(), tagPushTimeout)
		defer cancel()
		consul := discovery.NewConsulClient(n.consulURL)
		if err := consul.UpdateNodeInfo(ctx, snapshot); err != nil {
			logger.Errorf("%s %v", failure, err)
		}
	}

	n.infoMu.Lock()
	n.infoUpdating = false
	n.infoMu.Unlock()
}
