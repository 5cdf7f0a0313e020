package ssehttp

import (
	"encoding/json"
	"fmt"

	"github.com/ggoodman/gitlab-mcp-bridge/internal/jsonrpc"
)

const toolsCallMethod = "tools/call"

// argumentRenames maps argument names clients commonly send to the names the
// GitLab tool server expects.
var argumentRenames = []struct{ from, to string }{
	{"project", "project_id"},
	{"merge_request", "merge_request_iid"},
	{"issue", "issue_iid"},
}

// reconcileArguments applies argumentRenames to a tools/call request. A rename
// fires only when the expected name is absent and the alternate is present;
// the alternate is then removed. The request is returned unchanged when
// nothing applies, along with the names that were renamed.
func reconcileArguments(req *jsonrpc.Request) (*jsonrpc.Request, []string, error) {
	if req.Method != toolsCallMethod || len(req.Params) == 0 {
		return req, nil, nil
	}

	var params map[string]json.RawMessage
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, nil, fmt.Errorf("invalid tools/call params: %w", err)
	}
	rawArgs, ok := params["arguments"]
	if !ok {
		return req, nil, nil
	}
	var args map[string]json.RawMessage
	if err := json.Unmarshal(rawArgs, &args); err != nil || args == nil {
		// Non-object arguments are the tool server's problem to reject.
		return req, nil, nil
	}

	var renamed []string
	for _, r := range argumentRenames {
		v, hasFrom := args[r.from]
		if _, hasTo := args[r.to]; !hasFrom || hasTo {
			continue
		}
		args[r.to] = v
		delete(args, r.from)
		renamed = append(renamed, r.from)
	}
	if len(renamed) == 0 {
		return req, nil, nil
	}

	b, err := json.Marshal(args)
	if err != nil {
		return nil, nil, err
	}
	params["arguments"] = b
	p, err := json.Marshal(params)
	if err != nil {
		return nil, nil, err
	}
	out := *req
	out.Params = p
	return &out, renamed, nil
}
