package herd

import "container/list"

// connectionList is an age-ordered set of live connections: newest at the
// front, oldest at the back, with O(1) push, keyed removal and oldest access.
// It is not self-locking; the owning node serializes access.
type connectionList struct {
	order *list.List
	byID  map[string]*list.Element
}

func newConnectionList() *connectionList {
	return &connectionList{
		order: list.New(),
		byID:  make(map[string]*list.Element),
	}
}

func (cl *connectionList) add(conn Connection) {
	cl.byID[conn.ID()] = cl.order.PushFront(conn)
}

func (cl *connectionList) remove(id string) Connection {
	elem, found := cl.byID[id]
	if !found {
		return nil
	}

	delete(cl.byID, id)
	return cl.order.Remove(elem).(Connection)
}

func (cl *connectionList) oldest() Connection {
	back := cl.order.Back()
	if back == nil {
		return nil
	}
	return back.Value.(Connection)
}

func (cl *connectionList) len() int {
	return cl.order.Len()
}

// drain empties the list and returns every connection, oldest first.
func (cl *connectionList) drain() []Connection {
	conns := make([]Connection, 0, cl.order.Len())
	for elem := cl.order.Back(); elem != nil; elem = elem.Prev() {
		conns = append(conns, elem.Value.(Connection))
	}

	cl.order.Init()
	cl.byID = make(map[string]*list.Element)
	return conns
}
