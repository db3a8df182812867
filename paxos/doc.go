/*
Package paxos is quorum-based replication: single-decree Paxos
and a replicated, indexed Paxos log, built on a small set of
reusable pieces.

  - BallotID totally orders competing proposals.
  - QuorumCallback turns N peer replies into one majority
    decision without blocking; BlockingQuorumCallback is its
    parking variant.
  - RequestWaitingList correlates responses with the
    operation awaiting them, and expires the ones that wait
    too long.
  - PaxosState is the immutable acceptor state of one slot.
  - SingleValuePaxos decides one value.
  - PaxosLog sequences many decisions and applies them, in
    index order and without gaps, to a StateMachine such as
    KVStore.

Replicas talk through a Transport. Simnet is an in-process
one with delay, reordering and loss, for tests and for
cmd/paxosdemo. Acceptor state can be made durable with a
StatePersister: MemPersister, FilePersister or BoltPersister.

Only crash and omission faults are handled. There is no
leader election and no log compaction.
*/
package paxos
