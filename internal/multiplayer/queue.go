package multiplayer

import (
	"container/heap"
	"errors"
	"sort"

	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

// ErrQueueFull is returned when a session's prompt queue is at capacity.
var ErrQueueFull = errors.New("prompt queue is full")

func priorityTier(p v1.PromptPriority) int {
	switch p {
	case v1.PriorityUrgent:
		return 3
	case v1.PriorityHigh:
		return 2
	default:
		return 1
	}
}

// queuedPrompt wraps a prompt with its heap bookkeeping. seq breaks ties
// within a tier so ordering is FIFO and reorder can renumber
// deterministically.
type queuedPrompt struct {
	prompt v1.Prompt
	tier   int
	seq    uint64
	index  int
}

// promptHeap implements heap.Interface: higher tier first, then lower
// sequence (earlier arrival) first.
type promptHeap []*queuedPrompt

func (h promptHeap) Len() int { return len(h) }

func (h promptHeap) Less(i, j int) bool {
	if h[i].tier != h[j].tier {
		return h[i].tier > h[j].tier
	}
	return h[i].seq < h[j].seq
}

func (h promptHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *promptHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*queuedPrompt)
	item.index = n
	*h = append(*h, item)
}

func (h *promptHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// promptQueue is one session's prompt queue. It is not safe for concurrent
// use on its own; the owning Manager serializes access.
type promptQueue struct {
	heap      promptHeap
	byID      map[string]*queuedPrompt
	done      map[string]*v1.Prompt // completed and cancelled prompts
	executing *queuedPrompt
	maxSize   int
	nextSeq   uint64
}

func newPromptQueue(maxSize int) *promptQueue {
	q := &promptQueue{
		heap:    make(promptHeap, 0),
		byID:    make(map[string]*queuedPrompt),
		done:    make(map[string]*v1.Prompt),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

func (q *promptQueue) isFull() bool {
	return q.maxSize > 0 && len(q.heap) >= q.maxSize
}

func (q *promptQueue) enqueue(prompt v1.Prompt) error {
	if q.isFull() {
		return ErrQueueFull
	}
	q.nextSeq++
	qp := &queuedPrompt{
		prompt: prompt,
		tier:   priorityTier(prompt.Priority),
		seq:    q.nextSeq,
	}
	heap.Push(&q.heap, qp)
	q.byID[prompt.ID] = qp
	return nil
}

// popNext removes the highest priority prompt and marks it executing.
// Returns nil when something is already executing or the queue is empty.
func (q *promptQueue) popNext() *v1.Prompt {
	if q.executing != nil || len(q.heap) == 0 {
		return nil
	}
	qp := heap.Pop(&q.heap).(*queuedPrompt)
	delete(q.byID, qp.prompt.ID)
	qp.prompt.Status = v1.PromptExecuting
	q.executing = qp
	out := qp.prompt
	return &out
}

// complete finishes the executing prompt. Returns nil when none is running.
func (q *promptQueue) complete() *v1.Prompt {
	if q.executing == nil {
		return nil
	}
	qp := q.executing
	q.executing = nil
	qp.prompt.Status = v1.PromptCompleted
	record := qp.prompt
	q.done[record.ID] = &record
	out := record
	return &out
}

// cancel removes a queued prompt. Executing and finished prompts cannot be
// cancelled.
func (q *promptQueue) cancel(promptID string) (*v1.Prompt, error) {
	if q.executing != nil && q.executing.prompt.ID == promptID {
		return nil, errors.New("cannot cancel an executing prompt")
	}
	if _, finished := q.done[promptID]; finished {
		return nil, errors.New("prompt already finished")
	}
	qp, ok := q.byID[promptID]
	if !ok {
		return nil, errors.New("prompt not found")
	}
	heap.Remove(&q.heap, qp.index)
	delete(q.byID, promptID)
	qp.prompt.Status = v1.PromptCancelled
	record := qp.prompt
	q.done[record.ID] = &record
	out := record
	return &out, nil
}

// get looks a prompt up across the executing slot, the queue and the
// finished records.
func (q *promptQueue) get(promptID string) *v1.Prompt {
	if q.executing != nil && q.executing.prompt.ID == promptID {
		out := q.executing.prompt
		return &out
	}
	if qp, ok := q.byID[promptID]; ok {
		out := qp.prompt
		return &out
	}
	if record, ok := q.done[promptID]; ok {
		out := *record
		return &out
	}
	return nil
}

// list returns the executing prompt first, then queued prompts in pop order.
func (q *promptQueue) list() []v1.Prompt {
	out := make([]v1.Prompt, 0, len(q.heap)+1)
	if q.executing != nil {
		out = append(out, q.executing.prompt)
	}

	ordered := make([]*queuedPrompt, len(q.heap))
	copy(ordered, q.heap)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].tier != ordered[j].tier {
			return ordered[i].tier > ordered[j].tier
		}
		return ordered[i].seq < ordered[j].seq
	})
	for _, qp := range ordered {
		out = append(out, qp.prompt)
	}
	return out
}

// reorder moves a queued prompt to newIndex within its priority tier.
// Positions outside the tier are clamped to its edges. Sequence numbers of
// the tier members are relabeled so the heap order reflects the move.
func (q *promptQueue) reorder(promptID string, newIndex int) error {
	target, ok := q.byID[promptID]
	if !ok {
		return errors.New("prompt not found in queue")
	}

	tier := make([]*queuedPrompt, 0)
	for _, qp := range q.heap {
		if qp.tier == target.tier {
			tier = append(tier, qp)
		}
	}
	sort.Slice(tier, func(i, j int) bool { return tier[i].seq < tier[j].seq })

	seqs := make([]uint64, len(tier))
	for i, qp := range tier {
		seqs[i] = qp.seq
	}

	current := -1
	for i, qp := range tier {
		if qp == target {
			current = i
			break
		}
	}
	if current < 0 {
		return errors.New("prompt not found in queue")
	}

	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex > len(tier)-1 {
		newIndex = len(tier) - 1
	}
	if newIndex == current {
		return nil
	}

	reordered := append(append([]*queuedPrompt{}, tier[:current]...), tier[current+1:]...)
	reordered = append(reordered[:newIndex], append([]*queuedPrompt{target}, reordered[newIndex:]...)...)

	// Hand the tier's existing sequence numbers back out in the new order.
	for i, qp := range reordered {
		qp.seq = seqs[i]
	}
	heap.Init(&q.heap)
	return nil
}

func (q *promptQueue) status() v1.QueueStatus {
	return v1.QueueStatus{
		Length:       len(q.heap),
		HasExecuting: q.executing != nil,
		IsFull:       q.isFull(),
	}
}
