package config

import (
	"reflect"
	"strings"

	logx "sector7g/pkg/logx"
)

// RestartRequired lists sections whose changes only apply after a restart.
var RestartRequired = map[string]bool{
	"broker":    true,
	"storage":   true,
	"worker":    true,
	"queues":    true,
	"scheduler": true,
	"handlers":  true,
}

// SummarizeConfigChange returns the changed sections and safe attrs for
// logging. URLs and tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var changed []string
	var attrs []logx.Field

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.limit", newCfg.Logging.Limit.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Broker, newCfg.Broker) {
		changed = append(changed, "broker")
		attrs = append(attrs,
			logx.String("broker.driver", newCfg.Broker.Driver),
			logx.Bool("broker.url_changed", oldCfg.Broker.Redis.URL != newCfg.Broker.Redis.URL),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Worker, newCfg.Worker) {
		changed = append(changed, "worker")
	}
	if !reflect.DeepEqual(oldCfg.Queues, newCfg.Queues) {
		changed = append(changed, "queues")
		attrs = append(attrs, logx.Any("queues.changed", changedQueues(oldCfg.Queues, newCfg.Queues)))
	}

	prevSched, ns := oldCfg.Scheduler, newCfg.Scheduler
	schedules := !reflect.DeepEqual(prevSched.Schedules, ns.Schedules)
	prevSched.Schedules, ns.Schedules = nil, nil
	if !reflect.DeepEqual(prevSched, ns) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", ns.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(ns.Timezone)),
			logx.Bool("scheduler.force_update", ns.ForceUpdate),
		)
	}
	if schedules {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Int("schedules.count", len(newCfg.Scheduler.Schedules)))
	}

	if !reflect.DeepEqual(oldCfg.Health, newCfg.Health) {
		changed = append(changed, "health")
	}
	if !reflect.DeepEqual(oldCfg.Handlers, newCfg.Handlers) {
		changed = append(changed, "handlers")
	}
	od, nd := oldCfg.Diag, newCfg.Diag
	od.Token, nd.Token = redact(od.Token), redact(nd.Token)
	if !reflect.DeepEqual(od, nd) {
		changed = append(changed, "diag")
		attrs = append(attrs,
			logx.Bool("diag.enabled", nd.Enabled),
			logx.String("diag.addr", nd.Addr),
		)
	}
	return changed, attrs
}

func changedQueues(oldQ, newQ []QueueConfig) []string {
	prev := make(map[string]QueueConfig, len(oldQ))
	for _, q := range oldQ {
		prev[q.Name] = q
	}
	var out []string
	seen := map[string]bool{}
	for _, q := range newQ {
		seen[q.Name] = true
		if p, ok := prev[q.Name]; !ok || !reflect.DeepEqual(p, q) {
			out = append(out, q.Name)
		}
	}
	for _, q := range oldQ {
		if !seen[q.Name] {
			out = append(out, q.Name)
		}
	}
	return out
}

func redact(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "<set>"
}
