// Package validate implements the selector validators of spec §4.5:
// schema checks a change xpath, an operational path, a notification
// xpath or an RPC path must pass before the registry will accept a
// subscription against them.
package validate

import (
	"regexp"
	"strings"

	"github.com/sysrepo-subs/subscore/errs"
	"github.com/sysrepo-subs/subscore/internal/schema"
)

// Change validates a change-subscription xpath: it must parse and
// select at least one node. An empty selection is an error, not a
// silent no-op subscription.
func Change(engine schema.Engine, xpath string) error {
	if xpath == "" {
		return errs.NewXPathError(errs.CodeInvalArg, "change xpath must not be empty", xpath)
	}
	nodes, err := engine.Select(xpath)
	if err != nil {
		return errs.NewXPathError(errs.CodeValidationFailed, err.Error(), xpath)
	}
	if len(nodes) == 0 {
		return errs.NewXPathError(errs.CodeInvalArg, "xpath does not select any schema node", xpath)
	}
	return nil
}

// OperClass is the CONFIG/STATE/MIXED classification an oper-get/poll
// path resolves to.
type OperClass int

const (
	OperConfig OperClass = iota
	OperState
	OperMixed
)

func (c OperClass) String() string {
	switch c {
	case OperConfig:
		return "CONFIG"
	case OperState:
		return "STATE"
	default:
		return "MIXED"
	}
}

// Oper validates an oper-get/oper-poll path: it must parse, must not
// point at a list key, and is classified CONFIG/STATE/MIXED by
// depth-first traversal of its descendants, short-circuiting the
// moment a MIXED verdict is reached (spec §4.5).
func Oper(engine schema.Engine, path string) (OperClass, error) {
	if path == "" {
		return 0, errs.NewXPathError(errs.CodeInvalArg, "oper path must not be empty", path)
	}
	nodes, err := engine.Select(path)
	if err != nil {
		return 0, errs.NewXPathError(errs.CodeValidationFailed, err.Error(), path)
	}
	if len(nodes) == 0 {
		return 0, errs.NewXPathError(errs.CodeInvalArg, "path does not select any schema node", path)
	}

	sawConfig, sawState := false, false
	for _, n := range nodes {
		if n.IsListKey {
			return 0, errs.NewXPathError(errs.CodeInvalArg, "oper path must not target a list key", path)
		}
		switch n.Class {
		case schema.ClassConfig:
			sawConfig = true
		case schema.ClassState:
			sawState = true
		}
		if sawConfig && sawState {
			return OperMixed, nil // short-circuit: further nodes cannot change the verdict
		}
	}

	switch {
	case sawConfig:
		return OperConfig, nil
	case sawState:
		return OperState, nil
	default:
		return OperMixed, nil
	}
}

// Notif validates a notification xpath: it must be absolute (or
// empty, meaning "whole module"), and its reachable set must include a
// notification node, unless the module carries a schema-mount
// extension point, which is treated as "may contain notifications"
// without being enumerable.
func Notif(engine schema.Engine, module, xpath string) error {
	if xpath == "" {
		nodes, err := engine.Select(schema.ModuleWidePath(module))
		if err != nil {
			return errs.NewXPathError(errs.CodeValidationFailed, err.Error(), xpath)
		}
		return notifNodesOrMount(engine, module, nodes, xpath)
	}
	if !strings.HasPrefix(xpath, "/") {
		return errs.NewXPathError(errs.CodeInvalArg, "notification xpath must be absolute", xpath)
	}
	nodes, err := engine.Select(xpath)
	if err != nil {
		return errs.NewXPathError(errs.CodeValidationFailed, err.Error(), xpath)
	}
	return notifNodesOrMount(engine, module, nodes, xpath)
}

func notifNodesOrMount(engine schema.Engine, module string, nodes []schema.Node, xpath string) error {
	for _, n := range nodes {
		if n.Class == schema.ClassNotification {
			return nil
		}
	}
	if engine.HasSchemaMount(module) {
		return nil
	}
	return errs.NewXPathError(errs.CodeInvalArg, "xpath does not reach any notification node", xpath)
}

// predicateRe strips bracketed XPath predicates, e.g. "/m:list[k='v']/leaf"
// becomes "/m:list/leaf", to compute the canonical RPC path.
var predicateRe = regexp.MustCompile(`\[[^\]]*\]`)

// CanonicalRPCPath strips predicates from path, per spec §4.5.
func CanonicalRPCPath(path string) string {
	return predicateRe.ReplaceAllString(path, "")
}

// RPC validates an RPC/action path: predicates are stripped, the
// resulting canonical path must resolve to an RPC or action node, and
// if that node's schema context differs from the engine's main
// context, it is flagged as an extension RPC routed to the module's
// shared rpc_ext_lock instead of a per-RPC lock.
func RPC(engine schema.Engine, path string) (canonical string, isExt bool, err error) {
	canonical = CanonicalRPCPath(path)
	nodes, selErr := engine.Select(canonical)
	if selErr != nil {
		return canonical, false, errs.NewXPathError(errs.CodeValidationFailed, selErr.Error(), path)
	}
	if len(nodes) == 0 {
		return canonical, false, errs.NewXPathError(errs.CodeInvalArg, "path does not resolve to any schema node", path)
	}
	n := nodes[0]
	if n.Class != schema.ClassRPC && n.Class != schema.ClassAction {
		return canonical, false, errs.NewXPathError(errs.CodeInvalArg, "path does not resolve to an RPC or action node", path)
	}
	return canonical, n.ExtensionContext != "", nil
}
