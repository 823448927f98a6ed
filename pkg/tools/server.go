package tools

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mylxsw/asteria/log"
)

const (
	// maxListPayload bounds the serialized size of one tools/list page;
	// payloadSlack reserves room for the reply envelope.
	maxListPayload = 8000
	payloadSlack   = 30

	// defaultStackSize is the worker stack hint applied when tools/call
	// omits stackSize. Goroutine stacks grow on demand, so the value is
	// validated and logged but not enforced.
	defaultStackSize = 6144

	// maxWorkers bounds concurrent tool bodies.
	maxWorkers = 4

	protocolVersion = "2024-11-05"
)

// Sender delivers a serialized JSON-RPC reply back to the orchestrator.
type Sender func(payload json.RawMessage)

// VisionTarget receives the vision service endpoint announced by the
// orchestrator during initialize.
type VisionTarget interface {
	SetExplainURL(url, token string)
}

// Server owns the tool registry and serves initialize, tools/list and
// tools/call. Registration happens single-threaded at startup; after
// that the registry is read-only and safe for concurrent requests.
type Server struct {
	name    string
	version string
	send    Sender
	vision  VisionTarget

	tools []*Tool

	wg sync.WaitGroup
	sl chan struct{} // bounds concurrent workers
}

func NewServer(name, version string, send Sender) *Server {
	return &Server{
		name:    name,
		version: version,
		send:    send,
		sl:      make(chan struct{}, maxWorkers),
	}
}

// SetVisionTarget installs the collaborator that receives the vision
// endpoint from initialize. May be nil.
func (s *Server) SetVisionTarget(v VisionTarget) {
	s.vision = v
}

// AddTool registers a tool. Registration is idempotent by name: a
// duplicate is ignored with a warning and the first registration wins.
func (s *Server) AddTool(t *Tool) {
	for _, existing := range s.tools {
		if existing.Name == t.Name {
			log.Warningf("tools: %s already registered, keeping the first", t.Name)
			return
		}
	}
	log.Debugf("tools: add %s", t.Name)
	s.tools = append(s.tools, t)
}

// AddFunc registers a tool from its parts.
func (s *Server) AddFunc(name, description string, props Properties, handler Handler) {
	s.AddTool(&Tool{Name: name, Description: description, Props: props, Handler: handler})
}

// ResetTools empties the registry and returns the tools it held, in
// registration order. Callers use it to rebuild the list around a
// stable prefix.
func (s *Server) ResetTools() []*Tool {
	previous := s.tools
	s.tools = nil
	return previous
}

// Tools returns the registry in registration order.
func (s *Server) Tools() []*Tool {
	return s.tools
}

// Close waits for in-flight tool workers to finish.
func (s *Server) Close() {
	s.wg.Wait()
}

// HandleMessage processes one inbound JSON-RPC request. Malformed
// envelopes are logged and dropped; method-level failures produce
// JSON-RPC error replies.
func (s *Server) HandleMessage(payload json.RawMessage) {
	var raw map[string]any
	if err := codec.Unmarshal(payload, &raw); err != nil {
		log.Errorf("tools: failed to parse message: %v", err)
		return
	}

	if version, _ := raw["jsonrpc"].(string); version != "2.0" {
		log.Errorf("tools: invalid jsonrpc version: %v", raw["jsonrpc"])
		return
	}

	method, ok := raw["method"].(string)
	if !ok {
		log.Errorf("tools: missing method")
		return
	}
	if strings.HasPrefix(method, "notifications") {
		return
	}

	var params map[string]any
	if rawParams, present := raw["params"]; present && rawParams != nil {
		if params, ok = rawParams.(map[string]any); !ok {
			log.Errorf("tools: invalid params for method %s", method)
			return
		}
	}

	idNum, ok := raw["id"].(float64)
	if !ok {
		log.Errorf("tools: invalid id for method %s", method)
		return
	}
	id := int(idNum)

	switch method {
	case "initialize":
		s.handleInitialize(id, params)
	case "tools/list":
		cursor, _ := params["cursor"].(string)
		s.handleToolsList(id, cursor)
	case "tools/call":
		s.handleToolCall(id, params)
	default:
		log.Errorf("tools: method not implemented: %s", method)
		s.replyError(id, "Method not implemented: "+method)
	}
}

func (s *Server) handleInitialize(id int, params map[string]any) {
	if capabilities, ok := params["capabilities"].(map[string]any); ok {
		s.parseCapabilities(capabilities)
	}
	s.replyResult(id, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      map[string]any{"name": s.name, "version": s.version},
	})
}

func (s *Server) parseCapabilities(capabilities map[string]any) {
	vision, ok := capabilities["vision"].(map[string]any)
	if !ok || s.vision == nil {
		return
	}
	url, ok := vision["url"].(string)
	if !ok {
		return
	}
	token, _ := vision["token"].(string)
	s.vision.SetExplainURL(url, token)
}

// handleToolsList serializes descriptors in registry order starting at
// the cursor tool, stopping before the page would exceed the payload
// ceiling. A truncated page carries nextCursor, the first omitted name.
func (s *Server) handleToolsList(id int, cursor string) {
	var page []json.RawMessage
	pageSize := len(`{"tools":[`)
	foundCursor := cursor == ""
	nextCursor := ""

	for _, t := range s.tools {
		if !foundCursor {
			if t.Name == cursor {
				foundCursor = true
			} else {
				continue
			}
		}

		desc, err := t.descriptorJSON()
		if err != nil {
			log.Errorf("tools: serialize %s failed: %v", t.Name, err)
			s.replyError(id, "Failed to serialize tool "+t.Name)
			return
		}
		if pageSize+len(desc)+1+payloadSlack > maxListPayload {
			nextCursor = t.Name
			break
		}
		page = append(page, desc)
		pageSize += len(desc) + 1
	}

	if len(page) == 0 && len(s.tools) > 0 {
		log.Errorf("tools: failed to add tool %s because of payload size limit", nextCursor)
		s.replyError(id, "Failed to add tool "+nextCursor+" because of payload size limit")
		return
	}

	result := map[string]any{"tools": page}
	if page == nil {
		result["tools"] = []json.RawMessage{}
	}
	if nextCursor != "" {
		result["nextCursor"] = nextCursor
	}
	s.replyResult(id, result)
}

func (s *Server) handleToolCall(id int, params map[string]any) {
	if params == nil {
		log.Errorf("tools/call: missing params")
		s.replyError(id, "Missing params")
		return
	}
	name, ok := params["name"].(string)
	if !ok {
		log.Errorf("tools/call: missing name")
		s.replyError(id, "Missing name")
		return
	}
	var arguments map[string]any
	if rawArgs, present := params["arguments"]; present && rawArgs != nil {
		if arguments, ok = rawArgs.(map[string]any); !ok {
			log.Errorf("tools/call: invalid arguments")
			s.replyError(id, "Invalid arguments")
			return
		}
	}
	stackSize := defaultStackSize
	if rawStack, present := params["stackSize"]; present && rawStack != nil {
		stack, ok := rawStack.(float64)
		if !ok {
			log.Errorf("tools/call: invalid stackSize")
			s.replyError(id, "Invalid stackSize")
			return
		}
		stackSize = int(stack)
	}

	var tool *Tool
	for _, t := range s.tools {
		if t.Name == name {
			tool = t
			break
		}
	}
	if tool == nil {
		log.Errorf("tools/call: unknown tool: %s", name)
		s.replyError(id, "Unknown tool: "+name)
		return
	}

	args, err := bindArguments(tool.Props, arguments)
	if err != nil {
		log.Errorf("tools/call: %v", err)
		s.replyError(id, err.Error())
		return
	}

	if stackSize != defaultStackSize {
		log.Debugf("tools/call: %s requested stack size %d", name, stackSize)
	}
	s.dispatch(id, tool, args)
}

// bindArguments copies the declared parameter list and fills it from the
// request arguments. A declared parameter with no matching type-correct
// value and no default fails the whole call.
func bindArguments(props Properties, arguments map[string]any) (Properties, error) {
	args := make(Properties, len(props))
	copy(args, props)

	for i := range args {
		p := &args[i]
		found := false
		if value, present := arguments[p.name]; present {
			switch p.typ {
			case PropertyBoolean:
				if v, ok := value.(bool); ok {
					if err := p.setValue(v); err != nil {
						return nil, err
					}
					found = true
				}
			case PropertyInteger:
				if v, ok := value.(float64); ok {
					if err := p.setValue(int(v)); err != nil {
						return nil, err
					}
					found = true
				}
			case PropertyString:
				if v, ok := value.(string); ok {
					if err := p.setValue(v); err != nil {
						return nil, err
					}
					found = true
				}
			}
		}
		if !found && !p.hasDefault {
			return nil, fmt.Errorf("Missing valid argument: %s", p.name)
		}
	}
	return args, nil
}

// dispatch runs the tool body on a pooled worker so a slow tool never
// blocks the caller. Workers are joined by Close.
func (s *Server) dispatch(id int, tool *Tool, args Properties) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sl <- struct{}{}
		defer func() { <-s.sl }()
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("tools/call: %s panicked: %v", tool.Name, r)
				s.replyError(id, fmt.Sprintf("tool %s failed: %v", tool.Name, r))
			}
		}()

		result, err := tool.Handler(args)
		if err != nil {
			log.Errorf("tools/call: %s: %v", tool.Name, err)
			s.replyError(id, err.Error())
			return
		}
		s.replyResult(id, result)
	}()
}

func (s *Server) replyResult(id int, result any) {
	payload, err := codec.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	if err != nil {
		log.Errorf("tools: failed to serialize result for id %d: %v", id, err)
		return
	}
	s.send(payload)
}

func (s *Server) replyError(id int, message string) {
	payload, err := codec.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"message": message},
	})
	if err != nil {
		log.Errorf("tools: failed to serialize error for id %d: %v", id, err)
		return
	}
	s.send(payload)
}
