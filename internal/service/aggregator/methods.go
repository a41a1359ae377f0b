package aggregator

import aggstate "github.com/vivekrp/metamcp-sub002/internal/domain/aggregator"

// listMethodInfo is one list-family method's catalog kind and JSON-RPC
// result-object key (spec §4.3 request routing).
type listMethodInfo struct {
	method    string
	kind      aggstate.Kind
	resultKey string
}

var listMethodTable = []listMethodInfo{
	{"tools/list", aggstate.KindTool, "tools"},
	{"prompts/list", aggstate.KindPrompt, "prompts"},
	{"resources/list", aggstate.KindResource, "resources"},
	{"resources/templates/list", aggstate.KindResourceTemplate, "resourceTemplates"},
}

var (
	listMethodsByName = map[string]listMethodInfo{}
	listMethodsByKind = map[aggstate.Kind]listMethodInfo{}
)

func init() {
	for _, m := range listMethodTable {
		listMethodsByName[m.method] = m
		listMethodsByKind[m.kind] = m
	}
}

// listMethod returns the method and result key used to refresh kind from
// downstream (catalog.go's refreshFromDownstream).
func listMethod(kind aggstate.Kind) (method, resultKey string) {
	m, ok := listMethodsByKind[kind]
	if !ok {
		return "", ""
	}
	return m.method, m.resultKey
}
