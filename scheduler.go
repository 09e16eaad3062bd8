package replica

import (
	"sync"
)

// mutates the tree in place. The tree must not escape the callback.
type UpdateFunction func(tree Tree)

// called after each mutation that changed the tree, with the sparse delta
// and the live post-mutation tree. Runs inside the scheduler turn.
type CommitFunction func(added Tree, removed Tree, current Tree)

// per-session serialization of mutations.
//
// State machine: Idle -> Running -> (queue non-empty ? Running : Idle).
// a `Submit` against an idle scheduler becomes the drainer: it runs its own
// mutation inline and then drains the queue to empty. A `Submit` while
// running, whether reentrant from inside a mutation or from another
// goroutine, appends to the queue and returns immediately. Mutations run
// strictly one at a time in submission order and are never dropped.
type UpdateScheduler struct {
	tree   Tree
	commit CommitFunction

	mutex   sync.Mutex
	running bool
	queue   []UpdateFunction
}

func NewUpdateScheduler(tree Tree, commit CommitFunction) *UpdateScheduler {
	return &UpdateScheduler{
		tree:   tree,
		commit: commit,
	}
}

// the live tree. Must only be read or written inside a scheduler turn.
func (self *UpdateScheduler) Tree() Tree {
	return self.tree
}

func (self *UpdateScheduler) Submit(update UpdateFunction) {
	self.mutex.Lock()
	if self.running {
		self.queue = append(self.queue, update)
		self.mutex.Unlock()
		return
	}
	self.running = true
	self.mutex.Unlock()

	for {
		before := self.tree.Clone()
		safeCallback("update", func() {
			update(self.tree)
		})
		added, removed := Diff(before, self.tree)
		if 0 < len(added) || 0 < len(removed) {
			self.commit(added, removed, self.tree)
		}

		self.mutex.Lock()
		if len(self.queue) == 0 {
			self.running = false
			self.mutex.Unlock()
			return
		}
		update = self.queue[0]
		self.queue = self.queue[1:]
		self.mutex.Unlock()
	}
}

func (self *UpdateScheduler) PendingCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.queue)
}
