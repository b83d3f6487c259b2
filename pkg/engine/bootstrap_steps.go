package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	agentScriptPath  = "/usr/local/bin/pilot-agent"
	agentConfigPath  = "/etc/pilot/agent.env"
	agentServicePath = "/etc/systemd/system/pilot-agent.service"
	agentTimerPath   = "/etc/systemd/system/pilot-agent.timer"
)

// agentScript samples CPU, memory and root filesystem usage and posts them to
// the ingest endpoint.
const agentScript = `#!/bin/sh
set -eu
. /etc/pilot/agent.env

read -r _ u1 n1 s1 i1 w1 _ < /proc/stat
sleep 1
read -r _ u2 n2 s2 i2 w2 _ < /proc/stat
busy=$(( (u2+n2+s2) - (u1+n1+s1) ))
total=$(( busy + (i2+w2) - (i1+w1) ))
cpu=$(awk -v b="$busy" -v t="$total" 'BEGIN { if (t > 0) printf "%.2f", b*100/t; else print 0 }')

mem_total=$(awk '/^MemTotal:/ { print $2*1024 }' /proc/meminfo)
mem_avail=$(awk '/^MemAvailable:/ { print $2*1024 }' /proc/meminfo)
mem_used=$((mem_total - mem_avail))
mem_pct=$(awk -v u="$mem_used" -v t="$mem_total" 'BEGIN { printf "%.2f", u*100/t }')

set -- $(df -B1 --output=size,used / | tail -n 1)
disk_total=$1
disk_used=$2
disk_pct=$(awk -v u="$disk_used" -v t="$disk_total" 'BEGIN { printf "%.2f", u*100/t }')

now=$(date -u +%Y-%m-%dT%H:%M:%SZ)
curl -fsS -X POST "$PILOT_INGEST_URL/api/v1/hosts/$PILOT_HOST_ID/metrics" \
  -H "Authorization: Bearer $PILOT_TOKEN" \
  -H "Content-Type: application/json" \
  -d "{\"samples\":[{\"cpu_usage\":$cpu,\"memory_total_bytes\":$mem_total,\"memory_used_bytes\":$mem_used,\"memory_usage\":$mem_pct,\"storage_total_bytes\":$disk_total,\"storage_used_bytes\":$disk_used,\"storage_usage\":$disk_pct,\"collected_at\":\"$now\"}]}"
`

const agentService = `[Unit]
Description=pilot monitoring agent
After=network-online.target

[Service]
Type=oneshot
ExecStart=/usr/local/bin/pilot-agent
`

const agentTimer = `[Unit]
Description=Run the pilot monitoring agent every minute

[Timer]
OnBootSec=30s
OnUnitActiveSec=60s

[Install]
WantedBy=timers.target
`

// perform runs the remote work of one bootstrap step.
func (b *Bootstrapper) perform(ctx context.Context, host *Host, step BootstrapStep) error {
	switch step.Number {
	case 1:
		return b.waitForConnection(ctx, host)
	case 2:
		return b.runSteps(ctx, host,
			command(step.Name, "%s apt-get update -y && %s apt-get install -y ca-certificates curl gnupg software-properties-common ufw supervisor unzip", aptEnv, aptEnv),
		)
	case 3:
		if err := b.createUser(ctx, host, step); err != nil {
			return err
		}
		host.User = PilotUser
		host.UpdatedAt = b.deps.now()
		return b.deps.Store.UpdateHost(context.WithoutCancel(ctx), host)
	case 4:
		return b.runSteps(ctx, host,
			command(step.Name, "ufw default deny incoming && ufw default allow outgoing && ufw allow 22/tcp && ufw allow 80/tcp && ufw allow 443/tcp && ufw --force enable"),
		)
	case 5:
		return b.runSteps(ctx, host,
			command(step.Name, "%s apt-get install -y nginx && systemctl enable --now nginx", aptEnv),
		)
	case 6:
		return b.runSteps(ctx, host,
			command(step.Name, "%s apt-get install -y git build-essential", aptEnv),
			command(step.Name, "curl -fsSL https://getcomposer.org/download/latest-stable/composer.phar -o /usr/local/bin/composer && chmod 755 /usr/local/bin/composer"),
		)
	case 7:
		return b.installAgent(ctx, host, step)
	case 8:
		return b.runSteps(ctx, host,
			command(step.Name, "systemctl is-active --quiet nginx && ufw status | grep -q active && id -u %s", PilotUser),
		)
	default:
		return NewFatalJobFault(fmt.Sprintf("unknown bootstrap step %d", step.Number), nil)
	}
}

func (b *Bootstrapper) runSteps(ctx context.Context, host *Host, steps ...Step) error {
	for _, step := range steps {
		if _, err := b.deps.runStep(ctx, host, step, b.cfg.StepTimeout); err != nil {
			return err
		}
	}
	return nil
}

// waitForConnection probes the host until it answers, then records its
// architecture and OS.
func (b *Bootstrapper) waitForConnection(ctx context.Context, host *Host) error {
	probe := command("waiting_for_connection", "true")

	var lastErr error
	for attempt := 1; attempt <= b.cfg.ConnectAttempts; attempt++ {
		_, err := b.deps.runStep(ctx, host, probe, 30*time.Second)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if !IsConnectionFault(err) {
			return err
		}

		b.logger.Warn().Err(err).Str("host_id", host.ID).Int("attempt", attempt).Msg("host not reachable yet")
		if attempt == b.cfg.ConnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return classifyRunnerError(ctx.Err(), probe)
		case <-time.After(b.cfg.ConnectBackoff):
		}
	}
	if lastErr != nil {
		return lastErr
	}

	facts, err := b.deps.CollectFacts(ctx, host, 30*time.Second)
	if err != nil {
		return err
	}
	host.Architecture = facts.Architecture
	host.OS = facts.OS
	host.Facts = facts
	host.UpdatedAt = b.deps.now()
	return b.deps.Store.UpdateHost(context.WithoutCancel(ctx), host)
}

func (b *Bootstrapper) createUser(ctx context.Context, host *Host, step BootstrapStep) error {
	if b.cfg.AuthorizedKey == "" {
		return NewValidationFault("no authorized key configured for the pilot user", nil)
	}
	home := "/home/" + PilotUser
	return b.runSteps(ctx, host,
		command(step.Name, "id -u %[1]s >/dev/null 2>&1 || useradd -m -s /bin/bash %[1]s", PilotUser),
		upload(step.Name, home+"/.ssh/authorized_keys", 0600, strings.TrimSpace(b.cfg.AuthorizedKey)+"\n"),
		command(step.Name, "chown -R %[1]s:%[1]s %[2]s/.ssh && chmod 700 %[2]s/.ssh", PilotUser, home),
		upload(step.Name, "/etc/sudoers.d/"+PilotUser, 0440, PilotUser+" ALL=(ALL) NOPASSWD:ALL\n"),
		command(step.Name, "visudo -cf /etc/sudoers.d/%s", PilotUser),
	)
}

func (b *Bootstrapper) installAgent(ctx context.Context, host *Host, step BootstrapStep) error {
	if b.tokens == nil || b.cfg.IngestURL == "" {
		return NewValidationFault("metrics ingestion is not configured", nil)
	}
	token, err := b.tokens.IssueHostToken(host.ID)
	if err != nil {
		return NewFatalJobFault("failed to issue agent token", err)
	}

	env := fmt.Sprintf("PILOT_HOST_ID=%s\nPILOT_INGEST_URL=%s\nPILOT_TOKEN=%s\n",
		shellQuote(host.ID), shellQuote(strings.TrimRight(b.cfg.IngestURL, "/")), shellQuote(token))

	return b.runSteps(ctx, host,
		upload(step.Name, agentConfigPath, 0600, env),
		upload(step.Name, agentScriptPath, 0755, agentScript),
		upload(step.Name, agentServicePath, 0644, agentService),
		upload(step.Name, agentTimerPath, 0644, agentTimer),
		command(step.Name, "systemctl daemon-reload && systemctl enable --now pilot-agent.timer"),
	)
}
