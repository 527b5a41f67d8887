package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/rendermesh/farmnode/pkg/config"
	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/object"
	"github.com/rendermesh/farmnode/pkg/process"
)

// executorProgram hosts a single computation. It reads its settings from
// the exec config file passed as its last argument.
const executorProgram = "execComp"

// ComputationConfig assembles what is needed to launch one computation:
// the executor spawn spec and the exec config file the executor reads at
// startup.
//
// The definition is the block the coordinator placed under
// <nodeID>/config/computations/<name>. Keys consulted here:
//
//	"requirements":
//	    "resources": { "memoryMB": num, "cores": num, "logLevel": int,
//	                   "minimumChunkingSize": num, "chunkSize": num }
//	    "context": string (optional)
//	"workingDirectory": string
//	"messaging": { "disableChunking": bool }
//	"environment": { VAR: value, ... }
type ComputationConfig struct {
	compID    uuid.UUID
	nodeID    uuid.UUID
	sessionID uuid.UUID
	name      string

	execConfigPath string
	defaults       config.ComputationDefaults

	spec       process.SpawnSpec
	execConfig object.Object
}

// NewComputationConfig prepares an empty configuration for the named
// computation. Call SetDefinition, ApplyPackaging and AddRouting before
// writing the exec config file and spawning.
func NewComputationConfig(compID, nodeID, sessionID uuid.UUID, name string, defaults config.ComputationDefaults) *ComputationConfig {
	return &ComputationConfig{
		compID:         compID,
		nodeID:         nodeID,
		sessionID:      sessionID,
		name:           name,
		execConfigPath: filepath.Join(os.TempDir(), "exec-"+name+"-"+compID.String()),
		defaults:       defaults,
	}
}

// ExecConfigPath returns the path of the exec config file.
func (cc *ComputationConfig) ExecConfigPath() string { return cc.execConfigPath }

// SpawnSpec returns the assembled executor spawn spec.
func (cc *ComputationConfig) SpawnSpec() process.SpawnSpec { return cc.spec }

// ContextName returns the context the definition requests, or "" when it
// does not name one.
func (cc *ComputationConfig) ContextName(definition object.Object) string {
	requirements := cc.childObject(definition, "requirements")
	return cc.stringValue(requirements, "context", "")
}

// SetDefinition populates the spawn spec and the exec config document
// from the computation definition and its optional context.
//
// Log level can be set at both the session and the computation level;
// sessionLogLevel carries the session setting, which the computation's
// resources block may override.
func (cc *ComputationConfig) SetDefinition(definition, context object.Object, sessionLogLevel int) {
	requirements := cc.childObject(definition, "requirements")
	resources := cc.childObject(requirements, "resources")
	messaging := cc.childObject(definition, "messaging")
	environment := cc.childObject(definition, "environment")

	cc.spec = process.SpawnSpec{
		Program:             executorProgram,
		WorkingDir:          cc.stringValue(definition, "workingDirectory", ""),
		MemoryMB:            cc.nonNegValue(resources, "memoryMB", cc.defaults.DefMemoryMB),
		Cores:               cc.nonNegValue(resources, "cores", cc.defaults.DefCores),
		CleanupProcessGroup: cc.defaults.CleanupProcessGroup,
	}

	// Memory and core limits are passed to the executor as arguments as
	// well as being enforced through the spawn spec.
	args := []string{
		"--memoryMB", strconv.Itoa(cc.spec.MemoryMB),
		"--cores", strconv.Itoa(cc.spec.Cores),
	}
	if !cc.defaults.UseColor {
		args = append(args, "--use_color", "0")
	}
	args = append(args, "--use_affinity", "0")

	if cc.boolValue(messaging, "disableChunking", cc.defaults.DisableChunking) {
		args = append(args, "--disableChunking", "1")
	} else {
		minChunkingSize := cc.int64Value(resources, "minimumChunkingSize", cc.defaults.MinimumChunkingSize)
		chunkSize := cc.int64Value(resources, "chunkSize", cc.defaults.ChunkSize)
		args = append(args,
			"--minimumChunkingSize", strconv.FormatInt(minChunkingSize, 10),
			"--chunkSize", strconv.FormatInt(chunkSize, 10))
	}

	// The exec config file carries the rest of the configuration.
	cc.spec.Args = append(args, cc.execConfigPath)

	env := newEnviron(nil)
	env.setFrom(environment)
	if context != nil {
		env.setFrom(cc.childObject(context, "environment"))
	}
	cc.spec.Env = env.list()

	logLevel := cc.intValue(resources, "logLevel", sessionLogLevel)

	cfg := object.Clone(definition)
	if cfg == nil {
		cfg = object.Object{}
	}
	cfg["computationId"] = cc.compID.String()
	cc.execConfig = object.Object{
		"sessionId": cc.sessionID.String(),
		"compId":    cc.compID.String(),
		"execId":    cc.compID.String(),
		"nodeId":    cc.nodeID.String(),
		"ipc":       cc.defaults.IPCName,
		"logLevel":  logLevel,
		"config":    object.Object{cc.name: cfg},
	}
}

// ApplyPackaging wraps the spawn spec for the packaging system named by
// the context, or by the definition's requirements when there is no
// context. Requirements default to the configured packaging system;
// contexts default to none.
func (cc *ComputationConfig) ApplyPackaging(definition, context object.Object) error {
	ctx := context
	if ctx == nil {
		ctx = cc.childObject(definition, "requirements")
	}

	packagingSystem := cc.stringValue(ctx, "packaging_system", "")
	if context == nil && packagingSystem == "" {
		packagingSystem = cc.defaults.PackagingSystem
	}

	switch packagingSystem {
	case "", "none":
		return cc.applyNoPackaging(ctx)
	case "current-environment":
		cc.applyCurrentEnvironment(ctx)
		return nil
	case "bash":
		return cc.applyShellPackaging(ctx)
	case "rez1":
		return cc.applyRezPackaging(1, ctx)
	case "rez2":
		return cc.applyRezPackaging(2, ctx)
	default:
		logger.Warnf("In config for %s: unknown packaging system '%s'", cc.name, packagingSystem)
		return fmt.Errorf("Unknown packaging system '%s'", packagingSystem)
	}
}

// applyNoPackaging runs the executor directly with no wrapper, which
// requires locating the binary on the PATH of the computation
// environment.
func (cc *ComputationConfig) applyNoPackaging(ctx object.Object) error {
	program := cc.spec.Program
	if pseudoCompiler := cc.stringValue(ctx, "pseudo-compiler", ""); pseudoCompiler != "" {
		program += "-" + pseudoCompiler
	}
	resolved, ok := findProgramInPath(program, cc.spec.Env)
	if !ok {
		logger.Errorf("Cannot find executable %s on PATH for %s", program, cc.name)
		return errors.New("Execution error")
	}
	cc.spec.Program = resolved
	return nil
}

// applyCurrentEnvironment layers the computation environment over the
// agent's own, so the executor sees everything the agent was started
// with. Program resolution is left to spawn time.
func (cc *ComputationConfig) applyCurrentEnvironment(ctx object.Object) {
	env := newEnviron(os.Environ())
	env.merge(cc.spec.Env)
	cc.spec.Env = env.list()
	if pseudoCompiler := cc.stringValue(ctx, "pseudo-compiler", ""); pseudoCompiler != "" {
		cc.spec.Program += "-" + pseudoCompiler
	}
}

// applyShellPackaging sources a user-supplied setup script in bash and
// then execs the original spawn command from that environment.
func (cc *ComputationConfig) applyShellPackaging(ctx object.Object) error {
	script := cc.stringValue(ctx, "script", "")
	if script == "" {
		logger.Errorf("Must specify shell script for %s", cc.name)
		return errors.New("Shell wrap error")
	}
	if pseudoCompiler := cc.stringValue(ctx, "pseudo-compiler", ""); pseudoCompiler != "" {
		cc.spec.Program += "-" + pseudoCompiler
	}

	scriptPath := filepath.Join(os.TempDir(), "shell-"+cc.name+"-"+cc.compID.String())
	if err := os.WriteFile(scriptPath, []byte(script), 0600); err != nil {
		logger.Errorf("Failed to setup shell environment for %s: %v", cc.name, err)
		return errors.New("Shell wrap error")
	}

	command := ". " + shellQuote(scriptPath) + " && exec " + shellQuote(cc.spec.Program)
	for _, arg := range cc.spec.Args {
		command += " " + shellQuote(arg)
	}
	cc.spec.Program = "/bin/bash"
	cc.spec.Args = []string{"-c", command}
	return nil
}

// applyRezPackaging records the rez environment request in the exec
// config; the executor wrapper resolves the packages itself. The request
// must name one of a context, a context file or a package list.
//
// rez_packages_prepend normally adds a prefix to the default package
// path, but a configured package path override replaces the whole path.
func (cc *ComputationConfig) applyRezPackaging(rezMajor int, ctx object.Object) error {
	packaging := object.Object{"system": fmt.Sprintf("rez%d", rezMajor)}

	if pseudoCompiler := cc.stringValue(ctx, "pseudo-compiler", ""); pseudoCompiler != "" {
		packaging["pseudoCompiler"] = pseudoCompiler
	}
	if cc.defaults.PackagePathOverride != "" {
		packaging["packagePath"] = cc.defaults.PackagePathOverride
		packaging["packagePathIsOverride"] = true
	} else if prefix := cc.stringValue(ctx, "rez_packages_prepend", ""); prefix != "" {
		packaging["packagePath"] = prefix
	}

	rezPackages := cc.stringValue(ctx, "rez_packages", "")
	rezContext := cc.stringValue(ctx, "rez_context", "")
	rezContextFile := cc.stringValue(ctx, "rez_context_file", "")
	switch {
	case rezContext != "":
		packaging["context"] = rezContext
	case rezContextFile != "":
		packaging["contextFile"] = rezContextFile
	case rezPackages != "":
		packaging["packages"] = rezPackages
	default:
		logger.Errorf("[ rez%d ] Failed to setup rez environment for %s: no context or package list", rezMajor, cc.name)
		return errors.New("Rez error: must specify one of 'rez_context', 'rez_context_file' or 'rez_packages'")
	}

	cc.execConfig["packaging"] = packaging
	return nil
}

// AddRouting records the session routing data in the exec config and
// picks up the client user id from it. Call after SetDefinition.
func (cc *ComputationConfig) AddRouting(routingData object.Object) {
	sessionRouting, _ := object.Child(routingData, cc.sessionID.String())
	clientData, _ := object.Child(sessionRouting, "clientData")
	userInfo, _ := object.Child(clientData, "userInfo")
	if userID := object.String(userInfo, "name", ""); userID != "" {
		env := newEnviron(cc.spec.Env)
		env.set("USER", userID)
		cc.spec.Env = env.list()
	}
	cc.execConfig["routing"] = routingData
}

// WriteExecConfigFile writes the exec config document to its file. Call
// after SetDefinition and AddRouting.
func (cc *ComputationConfig) WriteExecConfigFile() error {
	raw, err := object.Encode(cc.execConfig)
	if err == nil {
		err = os.WriteFile(cc.execConfigPath, raw, 0644)
	}
	if err != nil {
		logger.Errorf("Failed to save config file: %s: %v", cc.execConfigPath, err)
		return errors.New("Failed to save config file: " + cc.execConfigPath)
	}
	return nil
}

// RemoveExecConfigFile deletes the exec config file, ignoring a file
// that was never written.
func (cc *ComputationConfig) RemoveExecConfigFile() {
	if err := os.Remove(cc.execConfigPath); err != nil && !os.IsNotExist(err) {
		logger.Warnf("Failed to remove config file %s: %v", cc.execConfigPath, err)
	}
}

// childObject returns the object at key, warning when a value is present
// but is not an object. A missing key is normal and yields nil.
func (cc *ComputationConfig) childObject(o object.Object, key string) object.Object {
	v, ok := o[key]
	if !ok || v == nil {
		return nil
	}
	child, ok := v.(object.Object)
	if !ok {
		logger.Warnf("In config for %s: item %s should be an object", cc.name, key)
		return nil
	}
	return child
}

func (cc *ComputationConfig) stringValue(o object.Object, key, def string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	s, ok := v.(string)
	if !ok {
		logger.Warnf("In config for %s: item %s should be a string", cc.name, key)
		return def
	}
	return s
}

func (cc *ComputationConfig) boolValue(o object.Object, key string, def bool) bool {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		logger.Warnf("In config for %s: item %s should be a boolean", cc.name, key)
		return def
	}
	return b
}

func (cc *ComputationConfig) intValue(o object.Object, key string, def int) int {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	switch v.(type) {
	case float64, int, int64, json.Number:
		return object.Int(o, key, def)
	default:
		logger.Warnf("In config for %s: item %s should be a number", cc.name, key)
		return def
	}
}

func (cc *ComputationConfig) int64Value(o object.Object, key string, def int64) int64 {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	switch v.(type) {
	case float64, int, int64, json.Number:
		return object.Int64(o, key, def)
	default:
		logger.Warnf("In config for %s: item %s should be a number", cc.name, key)
		return def
	}
}

// nonNegValue is intValue restricted to non-negative numbers. Resource
// amounts can arrive as ints or floats but never negative.
func (cc *ComputationConfig) nonNegValue(o object.Object, key string, def int) int {
	n := cc.intValue(o, key, def)
	if n < 0 {
		logger.Warnf("In config for %s: item %s should be a non-negative number", cc.name, key)
		return def
	}
	return n
}

// environ is an ordered KEY=VALUE environment under construction.
type environ struct {
	keys   []string
	values map[string]string
}

func newEnviron(initial []string) *environ {
	e := &environ{values: make(map[string]string)}
	e.merge(initial)
	return e
}

func (e *environ) set(key, value string) {
	if _, ok := e.values[key]; !ok {
		e.keys = append(e.keys, key)
	}
	e.values[key] = value
}

// setFrom copies string and stringable values from a definition
// environment object.
func (e *environ) setFrom(env object.Object) {
	for key, v := range env {
		switch val := v.(type) {
		case string:
			e.set(key, val)
		case float64, bool:
			e.set(key, fmt.Sprintf("%v", val))
		}
	}
}

func (e *environ) merge(list []string) {
	for _, entry := range list {
		if key, value, ok := strings.Cut(entry, "="); ok {
			e.set(key, value)
		}
	}
}

func (e *environ) list() []string {
	out := make([]string, 0, len(e.keys))
	for _, key := range e.keys {
		out = append(out, key+"="+e.values[key])
	}
	return out
}

// findProgramInPath locates program on the PATH of the given
// environment, falling back to the agent's own PATH when the
// environment does not carry one.
func findProgramInPath(program string, env []string) (string, bool) {
	if strings.ContainsRune(program, os.PathSeparator) {
		return program, true
	}
	path := ""
	for _, entry := range env {
		if v, ok := strings.CutPrefix(entry, "PATH="); ok {
			path = v
			break
		}
	}
	if path == "" {
		path = os.Getenv("PATH")
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, program)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return candidate, true
		}
	}
	return "", false
}

// shellQuote wraps s in single quotes for safe use in a bash command
// line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
