package db

import (
	"fmt"
	"strings"

	"github.com/ztrue/tracerr"
	"gorm.io/gorm"
)

// Condition limits condition search. However, sqli is not protected.
//
// Unprotected fields: Order, Where(when not use ? as argument form)
//
// Warning: Caller should check user input on their OWN!
type Condition struct {
	Order  []any
	Limit  int
	Offset int

	Query string
	Args  []any
}

func (c *Condition) parseQuery(or bool, query string, args ...any) {
	if query == "" {
		return
	}
	if c.Query == "" {
		c.Query = query
		c.Args = args
	} else {
		if or {
			c.Query = fmt.Sprintf("(%v) OR (%v)", c.Query, query)
		} else {
			c.Query = fmt.Sprintf("(%v) AND (%v)", c.Query, query)
		}
		c.Args = append(c.Args, args...)
	}
}

func (c *Condition) filter(str string) string {
	str = strings.ReplaceAll(str, "\\", "\\\\") // first replace \
	str = strings.ReplaceAll(str, "%", "\\%")
	str = strings.ReplaceAll(str, "_", "\\_")
	return str
}

func (c *Condition) AndLike(query string, arg string) {
	if arg != "" {
		query = strings.ReplaceAll(query, "?", "? escape '\\'")
		c.And(query)
		count := strings.Count(query, "? escape")
		arg = c.filter(arg)
		for i := 0; i < count; i++ {
			c.Args = append(c.Args, "%"+arg+"%")
		}
	}
}

func (c *Condition) And(query string, args ...any) {
	c.parseQuery(false, query, args...)
}

func (c *Condition) Or(query string, args ...any) {
	c.parseQuery(true, query, args...)
}

// ParseCondition parse Condition to gorm.DB object.
func ParseCondition(cond *Condition, tx *gorm.DB) *gorm.DB {
	if cond == nil {
		return tx
	}
	for _, v := range cond.Order {
		tx = tx.Order(v)
	}
	if cond.Limit != 0 {
		tx = tx.Limit(cond.Limit)
	}
	if cond.Offset != 0 {
		tx = tx.Offset(cond.Offset)
	}
	if cond.Query != "" {
		tx = tx.Where(cond.Query, cond.Args...)
	}
	return tx
}

type ORM[T DBStruct] struct {
	tx *gorm.DB
}

func NewORM[T DBStruct](tx *gorm.DB) *ORM[T] {
	if tx == nil {
		panic("tx should not be nil")
	}
	return &ORM[T]{
		tx: tx,
	}
}

func (o *ORM[T]) Where(query any, args ...any) *ORM[T] {
	return NewORM[T](o.tx.Where(query, args...))
}

func (o *ORM[T]) Cond(cond *Condition) *ORM[T] {
	return NewORM[T](ParseCondition(cond, o.tx))
}

func (o *ORM[T]) Create(value *T) error {
	return tracerr.Wrap(o.tx.Create(value).Error)
}

// Creates inserts value in one statement, clauses of the chain apply.
func (o *ORM[T]) Creates(value []*T) error {
	return tracerr.Wrap(o.tx.Create(&value).Error)
}

// Delete removes the rows selected by the chain, it never deletes a whole table.
func (o *ORM[T]) Delete(conds ...any) (int64, error) {
	ret := o.tx.Delete(new(T), conds...)
	return ret.RowsAffected, tracerr.Wrap(ret.Error)
}

func (o *ORM[T]) Find(conds ...any) (ret []*T, err error) {
	err = tracerr.Wrap(o.tx.Find(&ret, conds...).Error)
	return
}

func (o *ORM[T]) Count(cond *Condition) (int64, error) {
	var count int64
	var tmpCond *Condition
	if cond != nil {
		tmpCond = &Condition{
			Query: cond.Query,
			Args:  cond.Args,
		}
	}
	if err := tracerr.Wrap(ParseCondition(tmpCond, o.tx.Model(new(T))).
		Count(&count).Error); err != nil {
		return 0, err
	}
	return count, nil
}

func (o *ORM[T]) Transaction(f func(*gorm.DB) error) error {
	return tracerr.Wrap(o.tx.Transaction(f))
}
