package arc

import (
	"github.com/hassan/arcopt/internal/ir"
	"github.com/hassan/arcopt/internal/ir/types"
)

// Metadata kinds recognised on runtime calls.
const (
	// ImpreciseReleaseMD marks a release that may be moved later, because
	// the source language does not promise when the object dies.
	ImpreciseReleaseMD = "clang.imprecise_release"

	// CopyOnEscapeMD marks an objc_retainBlock that only copies the block
	// if it escapes.
	CopyOnEscapeMD = "clang.arc.copy_on_escape"
)

// Runtime entry point names.
const (
	RetainName        = "objc_retain"
	ReleaseName       = "objc_release"
	AutoreleaseName   = "objc_autorelease"
	RetainRVName      = "objc_retainAutoreleasedReturnValue"
	AutoreleaseRVName = "objc_autoreleaseReturnValue"
	RetainBlockName   = "objc_retainBlock"
)

// argShape is the parameter list a runtime entry point must have to be recognised.
type argShape int

const (
	shapeObject     argShape = iota // (i8*)
	shapeNone                       // ()
	shapeAny                        // any parameters
	shapeSlot                       // (i8**)
	shapeSlotObject                 // (i8**, i8*)
	shapeSlotSlot                   // (i8**, i8**)
)

type entryPoint struct {
	class Class
	shape argShape
}

var runtimeFunctions = map[string]entryPoint{
	RetainName:                          {ClassRetain, shapeObject},
	RetainRVName:                        {ClassRetainRV, shapeObject},
	RetainBlockName:                     {ClassRetainBlock, shapeObject},
	ReleaseName:                         {ClassRelease, shapeObject},
	AutoreleaseName:                     {ClassAutorelease, shapeObject},
	AutoreleaseRVName:                   {ClassAutoreleaseRV, shapeObject},
	"objc_retainAutorelease":            {ClassFusedRetainAutorelease, shapeObject},
	"objc_retainAutoreleaseReturnValue": {ClassFusedRetainAutoreleaseRV, shapeObject},
	"objc_autoreleasePoolPush":          {ClassAutoreleasepoolPush, shapeNone},
	"objc_autoreleasePoolPop":           {ClassAutoreleasepoolPop, shapeObject},
	"objc_retainedObject":               {ClassNoopCast, shapeObject},
	"objc_unretainedObject":             {ClassNoopCast, shapeObject},
	"objc_unretainedPointer":            {ClassNoopCast, shapeObject},
	"objc_sync_enter":                   {ClassUser, shapeObject},
	"objc_sync_exit":                    {ClassUser, shapeObject},
	"objc_loadWeak":                     {ClassLoadWeak, shapeSlot},
	"objc_loadWeakRetained":             {ClassLoadWeakRetained, shapeSlot},
	"objc_destroyWeak":                  {ClassDestroyWeak, shapeSlot},
	"objc_storeWeak":                    {ClassStoreWeak, shapeSlotObject},
	"objc_initWeak":                     {ClassInitWeak, shapeSlotObject},
	"objc_storeStrong":                  {ClassStoreStrong, shapeSlotObject},
	"objc_moveWeak":                     {ClassMoveWeak, shapeSlotSlot},
	"objc_copyWeak":                     {ClassCopyWeak, shapeSlotSlot},
	"clang.arc.use":                     {ClassIntrinsicUser, shapeAny},
}

// IsRuntimeFunction reports whether name is an entry point the optimizer knows.
func IsRuntimeFunction(name string) bool {
	_, ok := runtimeFunctions[name]
	return ok
}

// calleeClass classifies a direct call to a runtime entry point with the
// expected signature.
func calleeClass(callee *ir.Value) (Class, bool) {
	if callee == nil || callee.Kind != ir.ValueFunction {
		return 0, false
	}
	ep, ok := runtimeFunctions[callee.Name]
	if !ok {
		return 0, false
	}
	sig, ok := types.Elem(callee.Type).(*types.FunctionType)
	if !ok || !ep.shape.matches(sig.Parameters) {
		return 0, false
	}
	return ep.class, true
}

func (s argShape) matches(params []types.Type) bool {
	switch s {
	case shapeAny:
		return true
	case shapeNone:
		return len(params) == 0
	case shapeObject:
		return len(params) == 1 && isObjectType(params[0])
	case shapeSlot:
		return len(params) == 1 && isSlotType(params[0])
	case shapeSlotObject:
		return len(params) == 2 && isSlotType(params[0]) && isObjectType(params[1])
	case shapeSlotSlot:
		return len(params) == 2 && isSlotType(params[0]) && isSlotType(params[1])
	}
	return false
}

func isObjectType(t types.Type) bool { return t.Equals(types.Object) }
func isSlotType(t types.Type) bool   { return t.Equals(types.ObjectSlot) }

// entryPoints creates declarations of the runtime functions the optimizer
// inserts calls to. Module.Declare is get-or-create, so a declaration already
// present in the module is reused.
type entryPoints struct {
	module *ir.Module
}

func (e entryPoints) retain() *ir.Value {
	return e.module.Declare(RetainName,
		types.NewFunction([]types.Type{types.Object}, types.Object), ir.AttrNoUnwind)
}

func (e entryPoints) release() *ir.Value {
	return e.module.Declare(ReleaseName,
		types.NewFunction([]types.Type{types.Object}, types.Void), ir.AttrNoUnwind)
}

func (e entryPoints) autorelease() *ir.Value {
	return e.module.Declare(AutoreleaseName,
		types.NewFunction([]types.Type{types.Object}, types.Object), ir.AttrNoUnwind)
}

// ModuleUsesARC reports whether m declares any runtime entry point. Modules
// that do not are left alone.
func ModuleUsesARC(m *ir.Module) bool {
	for _, decl := range m.Declarations() {
		if IsRuntimeFunction(decl.Name) {
			return true
		}
	}
	for _, fn := range m.Functions {
		if IsRuntimeFunction(fn.Name) {
			return true
		}
	}
	return false
}
