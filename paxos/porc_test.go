package paxos

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	porc "github.com/anishathalye/porcupine"
	cv "github.com/glycerine/goconvey/convey"
)

type registerOp int

const (
	REGISTER_PUT registerOp = 1
	REGISTER_GET registerOp = 2
)

type registerInput struct {
	op    registerOp
	value int
}

// a sequential specification of a register
var registerModel = porc.Model{
	Init: func() interface{} {
		return 0
	},
	Step: func(state, input, output interface{}) (legal bool, newState interface{}) {
		regInput := input.(registerInput)
		switch regInput.op {
		case REGISTER_PUT:
			legal = true
			newState = regInput.value
		case REGISTER_GET:
			newState = state
			legal = output == state
		}
		return
	},
	DescribeOperation: func(input, output interface{}) string {
		inp := input.(registerInput)
		switch inp.op {
		case REGISTER_GET:
			return fmt.Sprintf("get() -> '%d'", output.(int))
		case REGISTER_PUT:
			return fmt.Sprintf("put('%d')", inp.value)
		}
		panic(fmt.Sprintf("invalid inp.op! '%v'", int(inp.op)))
	},
}

func writeToDiskNonLinz(t *testing.T, ops []porc.Operation) {
	res, info := porc.CheckOperationsVerbose(registerModel, ops, 0)
	if res != porc.Illegal {
		t.Fatalf("expected output %v, got output %v", porc.Illegal, res)
	}
	nm := fmt.Sprintf("red.nonlinz.%v.html", time.Now().Format("2006_01_02_150405"))
	fd, err := os.Create(nm)
	panicOn(err)
	defer fd.Close()
	err = porc.Visualize(registerModel, info, fd)
	if err != nil {
		t.Fatalf("ops visualization failed: %v", err)
	}
	t.Logf("wrote ops visualization to %s", fd.Name())
}

func Test070_kv_register_is_linearizable(t *testing.T) {

	cv.Convey("concurrent Puts and log-ordered Gets of one key, from every replica, form a linearizable history", t, func() {
		c := newTestCluster(t, 3, SimnetConfig{MaxHop: 3 * time.Millisecond, RPCTimeout: 200 * time.Millisecond}, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		var opsMut sync.Mutex
		var ops []porc.Operation
		record := func(op porc.Operation) {
			opsMut.Lock()
			ops = append(ops, op)
			opsMut.Unlock()
		}

		const perClient = 10
		var wg sync.WaitGroup
		for i := range c.Names {
			wg.Add(1)
			go func(jnode int) {
				defer wg.Done()
				l := c.Log(jnode)
				for k := 0; k < perClient; k++ {
					val := jnode*1000 + k + 1

					begtmWrite := time.Now()
					err := l.Put(ctx, "a", []byte(strconv.Itoa(val)))
					panicOn(err)
					endtmWrite := time.Now()
					record(porc.Operation{
						ClientId: jnode,
						Input:    registerInput{op: REGISTER_PUT, value: val},
						Call:     begtmWrite.UnixNano(),
						Output:   val,
						Return:   endtmWrite.UnixNano(),
					})

					begtmRead := time.Now()
					v, err := l.Get(ctx, "a")
					panicOn(err)
					endtmRead := time.Now()
					i2 := 0
					if v != nil {
						i2, err = strconv.Atoi(string(v))
						panicOn(err)
					}
					record(porc.Operation{
						ClientId: jnode,
						Input:    registerInput{op: REGISTER_GET},
						Call:     begtmRead.UnixNano(),
						Output:   i2,
						Return:   endtmRead.UnixNano(),
					})
				}
			}(i)
		}
		wg.Wait()

		opsMut.Lock()
		defer opsMut.Unlock()
		cv.So(len(ops), cv.ShouldEqual, 3*perClient*2)
		linz := porc.CheckOperations(registerModel, ops)
		if !linz {
			writeToDiskNonLinz(t, ops)
			t.Fatalf("error: expected operations to be linearizable! ops='%v'", ops)
		}
		vv("len(ops)=%v passed linearizability checker.", len(ops))
	})
}
