package event

import "fmt"

// Stage is one node of a transmux pipeline. Push delivers one unit of
// input; the lifecycle methods propagate a flush source name downstream.
type Stage interface {
	Events() *Publisher
	Push(data any)
	Flush(source string)
	PartialFlush(source string)
	EndTimeline(source string)
	Reset(source string)
}

// Base implements the default lifecycle of a Stage: every operation other
// than Push is forwarded to listeners unchanged. Stages embed Base and
// override what they need.
type Base struct {
	Publisher
}

// Events returns the stage's publisher.
func (b *Base) Events() *Publisher { return &b.Publisher }

// Flush emits Done.
func (b *Base) Flush(source string) { b.Emit(Done, source) }

// PartialFlush emits PartialDone.
func (b *Base) PartialFlush(source string) { b.Emit(PartialDone, source) }

// EndTimeline emits EndedTimeline.
func (b *Base) EndTimeline(source string) { b.Emit(EndedTimeline, source) }

// Reset emits Reset.
func (b *Base) Reset(source string) { b.Emit(Reset, source) }

// Pipe connects src to dst: src's Data feeds dst.Push and src's lifecycle
// events drive the matching dst methods. It returns dst so calls can be
// chained.
func Pipe(src, dst Stage) Stage {
	ev := src.Events()
	ev.Subscribe(Data, dst.Push)
	ev.Subscribe(Done, func(p any) { dst.Flush(sourceOf(p)) })
	ev.Subscribe(PartialDone, func(p any) { dst.PartialFlush(sourceOf(p)) })
	ev.Subscribe(EndedTimeline, func(p any) { dst.EndTimeline(sourceOf(p)) })
	ev.Subscribe(Reset, func(p any) { dst.Reset(sourceOf(p)) })
	return dst
}

func sourceOf(p any) string {
	s, _ := p.(string)
	return s
}

// Handle addresses a stage inside a Graph.
type Handle int

// Graph is an arena of stages. Edges are created by handle, so the wiring of
// a pipeline is explicit and inspectable after construction.
type Graph struct {
	stages []Stage
	names  []string
	edges  [][2]Handle
}

// Add registers s under name and returns its handle.
func (g *Graph) Add(name string, s Stage) Handle {
	g.stages = append(g.stages, s)
	g.names = append(g.names, name)
	return Handle(len(g.stages) - 1)
}

// Stage returns the stage for h.
func (g *Graph) Stage(h Handle) Stage {
	return g.stages[h]
}

// Name returns the name h was registered with.
func (g *Graph) Name(h Handle) string {
	return g.names[h]
}

// Pipe wires from into to and returns to.
func (g *Graph) Pipe(from, to Handle) Handle {
	if int(from) >= len(g.stages) || int(to) >= len(g.stages) {
		panic(fmt.Sprintf("event: pipe %d -> %d outside graph of %d stages", from, to, len(g.stages)))
	}
	Pipe(g.stages[from], g.stages[to])
	g.edges = append(g.edges, [2]Handle{from, to})
	return to
}

// Edges returns the pipe edges in the order they were created, as
// "from -> to" stage names.
func (g *Graph) Edges() []string {
	out := make([]string, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, g.names[e[0]]+" -> "+g.names[e[1]])
	}
	return out
}

// Len returns the number of stages.
func (g *Graph) Len() int { return len(g.stages) }
