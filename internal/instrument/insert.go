// Package instrument injects logging ops into a graph and captures their
// runtime output through a file-descriptor level channel, so intermediate
// tensor values can be observed without touching the execution engine's API.
package instrument

import (
	"strconv"
	"strings"

	"github.com/lowbit-ml/lowbit/internal/graph"
	"github.com/lowbit-ml/lowbit/internal/logger"
)

// PrintSuffix is appended to an instrumented node's name to form the Print
// node's name. Captured records carry it back so observations can be keyed
// to the node they came from.
const PrintSuffix = "__print__"

// Record tags written by the injected Print nodes.
const (
	TagMin          = "__min:"
	TagMax          = "__max:"
	TagRequantRange = "__requant_min_max:"
	TagKL           = "__KL:"
)

// DefaultOpMessages maps the calibration instrumentation points to their
// record tags.
var DefaultOpMessages = map[string]string{
	graph.OpMin:          TagMin,
	graph.OpMax:          TagMax,
	graph.OpRequantRange: TagRequantRange,
}

// Options selects which nodes get a Print tap. Either OpMessages instruments
// every node of the listed op kinds, or Nodes names them explicitly and
// Message supplies the shared tag.
type Options struct {
	OpMessages map[string]string
	Nodes      []string
	Message    string
}

// opOutputs is the number of data outputs a Print tap must forward for ops
// producing more than one.
var opOutputs = map[string]int{
	graph.OpRequantRange: 2,
	graph.OpQuantizeV2:   3,
	graph.OpRequantize:   3,
}

// InsertLogging returns a copy of g with a Print node appended after every
// selected node. The Print node passes its first input through unchanged and
// emits the remaining data inputs to stderr at inference time, prefixed with
// ";<name>__print__;<tag>". Consumers of the node's first output are rewired
// onto the tap so it is reached from the graph outputs; references to other
// outputs stay on the original node, which the tap depends on anyway.
func InsertLogging(g *graph.Graph, log logger.Logger, opts Options) (*graph.Graph, error) {
	tag := func(n *graph.Node) (string, bool) {
		if msg, ok := opts.OpMessages[n.Op]; ok {
			return msg, true
		}
		for _, name := range opts.Nodes {
			if name == n.Name {
				return opts.Message, true
			}
		}
		return "", false
	}

	out := graph.New()
	renamed := map[string]string{} // original name -> print node name
	for _, n := range g.Nodes {
		out.Add(n.Clone())
		msg, ok := tag(n)
		if !ok {
			continue
		}
		printName := n.Name + PrintSuffix
		outs := opOutputs[n.Op]
		if outs == 0 {
			outs = 1
		}
		// Print forwards input 0 and logs the rest, so the tap observes all
		// of the node's outputs while staying a drop-in for output 0.
		inputs := []string{n.Name + ":0"}
		for i := 0; i < outs; i++ {
			inputs = append(inputs, n.Name+":"+strconv.Itoa(i))
		}
		p := graph.NewNode(printName, graph.OpPrint, inputs...)
		p.SetAttr("message", graph.AttrString(";"+printName+";"+msg))
		p.SetAttr("first_n", graph.AttrInt(-1))
		p.SetAttr("summarize", graph.AttrInt(-1))
		out.Add(p)
		renamed[n.Name] = printName
		if log != nil {
			log.Debug("inserted logging tap", "node", n.Name, "tag", msg)
		}
	}
	if len(renamed) == 0 {
		return out, nil
	}

	for _, n := range out.Nodes {
		if strings.HasSuffix(n.Name, PrintSuffix) {
			continue
		}
		for i, ref := range n.Inputs {
			if strings.HasPrefix(ref, "^") {
				continue
			}
			printName, ok := renamed[graph.BaseName(ref)]
			if !ok || printName == n.Name {
				continue
			}
			if ref == graph.BaseName(ref) || strings.HasSuffix(ref, ":0") {
				n.Inputs[i] = printName
			}
		}
	}
	return out, nil
}
