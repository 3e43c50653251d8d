package controllers

import (
	"context"
	"fmt"
	"time"

	"github.com/am6737/packetguard/api"
	"github.com/am6737/packetguard/api/interfaces"
	"github.com/am6737/packetguard/audit"
	"github.com/am6737/packetguard/host"
	"github.com/am6737/packetguard/rules"
	"github.com/am6737/packetguard/script"
	"github.com/am6737/packetguard/transport/packet"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// RateLimitRuleID is reported as the deciding rule of rate limited packets.
const RateLimitRuleID = "rate-limit"

var _ interfaces.InterceptionController = &InterceptionController{}

// RuleSource is the read side of the rule registry.
type RuleSource interface {
	Lookup(t api.TypeID) []*rules.Rule
}

type InterceptionConfig struct {
	Budget script.Budget
	Policy api.FailurePolicy
}

// InterceptionController 拦截控制器, 对每个数据包事件执行规则链
type InterceptionController struct {
	logger  *logrus.Entry
	rules   RuleSource
	engine  interfaces.FilterEngine
	decoder packet.Decoder
	conns   *host.ConnMap
	auditor interfaces.Auditor
	config  InterceptionConfig

	handle      metrics.Timer
	executions  metrics.Counter
	rateLimited metrics.Counter
	outcomes    map[api.Disposition]metrics.Counter
}

// NewInterceptionController wires the pipeline. decoder, conns and auditor
// may be nil.
func NewInterceptionController(
	logger *logrus.Logger,
	source RuleSource,
	engine interfaces.FilterEngine,
	decoder packet.Decoder,
	conns *host.ConnMap,
	auditor interfaces.Auditor,
	config InterceptionConfig,
	registry metrics.Registry,
) *InterceptionController {
	if registry == nil {
		registry = metrics.DefaultRegistry
	}
	ic := &InterceptionController{
		logger:      logger.WithField("controller", "Interception"),
		rules:       source,
		engine:      engine,
		decoder:     decoder,
		conns:       conns,
		auditor:     auditor,
		config:      config,
		handle:      metrics.GetOrRegisterTimer("pipeline.handle", registry),
		executions:  metrics.GetOrRegisterCounter("pipeline.executions", registry),
		rateLimited: metrics.GetOrRegisterCounter("pipeline.rate_limited", registry),
		outcomes:    map[api.Disposition]metrics.Counter{},
	}
	for _, d := range []api.Disposition{api.Allowed, api.Modified, api.Dropped, api.Failed} {
		ic.outcomes[d] = metrics.GetOrRegisterCounter("pipeline."+d.String(), registry)
	}
	return ic
}

// Handle runs the rule chain for one packet event. It never panics and
// never modifies raw.
func (ic *InterceptionController) Handle(ctx context.Context, dir api.Direction, t api.TypeID, raw []byte, connID api.ConnectionID) (res api.Result) {
	start := time.Now()
	var conn *host.ConnInfo

	defer func() {
		if r := recover(); r != nil {
			ic.logger.WithField("panic", r).WithField("type", t.String()).Error("Recovered from panic in packet pipeline")
			res = ic.failed("", api.Fail(fmt.Errorf("pipeline panic: %v", r)), raw, res.Executions)
		}
		ic.finish(dir, t, raw, connID, conn, res, start)
	}()

	view := packet.Adapt(dir, t, raw, connID, ic.decoder)

	if ic.conns != nil && connID != "" {
		conn = ic.conns.Touch(connID)
		if !ic.conns.Allow(conn, t) {
			ic.rateLimited.Inc(1)
			return api.Result{
				Disposition: api.Dropped,
				RuleID:      RateLimitRuleID,
				Verdict:     api.Drop("rate limited"),
				Policy:      ic.config.Policy,
			}
		}
	}

	chain := ic.rules.Lookup(t)
	if len(chain) == 0 {
		return api.Result{Disposition: api.Allowed, Bytes: raw, Verdict: api.Allow(), Policy: ic.config.Policy}
	}

	var (
		out        []byte
		patches    []api.Patch
		lastModify string
		executions int
	)
	for _, rule := range chain {
		if !rule.Matches(dir) {
			continue
		}

		v := ic.engine.Execute(ctx, rule.Program, view, ic.config.Budget)
		executions++

		switch v.Kind {
		case api.VerdictAllow:
		case api.VerdictModify:
			// 补丁累加到当前输出上, 脚本看到的始终是原始视图
			var err error
			if out == nil {
				out, err = packet.ApplyPatches(raw, v.Patches)
			} else {
				out, err = packet.ApplyPatchesInPlace(out, v.Patches)
			}
			if err != nil {
				return ic.failed(rule.ID, api.Fail(&api.ScriptError{RuleID: rule.ID, Err: err}), raw, executions)
			}
			patches = append(patches, v.Patches...)
			lastModify = rule.ID
		case api.VerdictDrop:
			return api.Result{
				Disposition: api.Dropped,
				RuleID:      rule.ID,
				Verdict:     v,
				Executions:  executions,
				Policy:      ic.config.Policy,
			}
		default:
			return ic.failed(rule.ID, v, raw, executions)
		}
	}

	if out != nil {
		return api.Result{
			Disposition: api.Modified,
			Bytes:       out,
			RuleID:      lastModify,
			Verdict:     api.Modify(patches...),
			Executions:  executions,
			Policy:      ic.config.Policy,
		}
	}
	return api.Result{
		Disposition: api.Allowed,
		Bytes:       raw,
		Verdict:     api.Allow(),
		Executions:  executions,
		Policy:      ic.config.Policy,
	}
}

// failed builds a Failed result. Under fail-open the original bytes are
// delivered; patches of earlier rules are discarded.
func (ic *InterceptionController) failed(ruleID string, v api.Verdict, raw []byte, executions int) api.Result {
	res := api.Result{
		Disposition: api.Failed,
		RuleID:      ruleID,
		Verdict:     v,
		Cause:       v.Cause,
		Executions:  executions,
		Policy:      ic.config.Policy,
	}
	if ic.config.Policy == api.FailOpen {
		res.Bytes = raw
	}
	return res
}

func (ic *InterceptionController) finish(dir api.Direction, t api.TypeID, raw []byte, connID api.ConnectionID, conn *host.ConnInfo, res api.Result, start time.Time) {
	ic.handle.UpdateSince(start)
	ic.executions.Inc(int64(res.Executions))
	if c, ok := ic.outcomes[res.Disposition]; ok {
		c.Inc(1)
	}

	if res.Disposition == api.Failed {
		ic.logger.WithFields(logrus.Fields{
			"conn":   connID,
			"type":   t.String(),
			"rule":   res.RuleID,
			"policy": res.Policy.String(),
		}).WithError(res.Cause).Warn("Filter failed")
	}

	if conn != nil {
		conn.Packets.Add(1)
		if !res.Deliver() {
			conn.Dropped.Add(1)
		}
		data := raw
		if res.Deliver() {
			data = res.Bytes
		}
		conn.History.Add(host.Entry{
			Time:        start,
			Direction:   dir,
			TypeID:      t,
			Disposition: res.Disposition,
			RuleID:      res.RuleID,
			Data:        data,
		})
	}

	if ic.auditor != nil {
		ic.auditor.Emit(audit.NewEvent(dir, t, connID, res))
	}
}

// Forget drops the per-connection state of connID.
func (ic *InterceptionController) Forget(connID api.ConnectionID) {
	if ic.conns != nil {
		ic.conns.Forget(connID)
	}
}
